package detect

// DefaultGivenNames is a frequency-ranked (most common first) gazetteer of
// given names used to seed a NameDetector when no external name list is
// configured. It is a representative sample, not an exhaustive census list.
var DefaultGivenNames = []string{
	"james", "mary", "john", "patricia", "robert", "jennifer", "michael", "linda",
	"william", "elizabeth", "david", "barbara", "richard", "susan", "joseph", "jessica",
	"thomas", "sarah", "charles", "karen", "christopher", "nancy", "daniel", "lisa",
	"matthew", "margaret", "anthony", "betty", "mark", "sandra", "donald", "ashley",
	"steven", "kimberly", "andrew", "emily", "paul", "donna", "joshua", "michelle",
	"kenneth", "carol", "kevin", "amanda", "brian", "dorothy", "george", "melissa",
	"timothy", "deborah", "ronald", "stephanie", "edward", "rebecca", "jason", "sharon",
	"jeffrey", "laura", "ryan", "cynthia", "jacob", "kathleen", "gary", "amy",
	"nicholas", "angela", "eric", "shirley", "jonathan", "anna", "stephen", "brenda",
	"larry", "pamela", "justin", "emma", "scott", "nicole", "brandon", "helen",
	"benjamin", "samantha", "samuel", "katherine", "frank", "christine", "gregory", "debra",
	"raymond", "rachel", "alexander", "catherine", "patrick", "carolyn", "jack", "janet",
	"dennis", "ruth", "jerry", "maria", "tyler", "heather", "aaron", "diane",
	"jose", "virginia", "henry", "julie", "adam", "joyce", "douglas", "victoria",
	"nathan", "olivia", "peter", "kelly", "zachary", "christina", "kyle", "lauren",
	"walter", "joan", "harold", "evelyn", "carl", "judith", "jeremy", "megan",
	"keith", "andrea", "roger", "cheryl", "gerald", "hannah", "ethan", "jacqueline",
	"arthur", "martha", "terry", "gloria", "sean", "teresa", "christian", "ann",
	"austin", "sara", "noah", "madison", "lawrence", "frances", "jesse", "kathryn",
	"joe", "janice", "bryan", "jean", "billy", "abigail", "jordan", "alice",
	"dylan", "julia", "bruce", "judy", "albert", "sophia", "willie", "grace",
	"gabriel", "denise", "alan", "amber", "juan", "doris", "logan", "marilyn",
	"wayne", "danielle", "roy", "beverly", "ralph", "isabella", "randy", "theresa",
	"eugene", "diana", "vincent", "natalie", "russell", "brittany", "elijah", "charlotte",
	"louis", "marie", "bobby", "kayla", "philip", "alexis", "johnny", "lori",
}

// DefaultCommonWords excludes given names that double as ordinary English
// words, so a NameDetector doesn't tag routine prose as PII (spec "safety
// net" framing; avoids flooding every sentence containing "will" or "grace").
var DefaultCommonWords = []string{
	"will", "grace", "may", "june", "august", "rose", "hope", "patience",
	"faith", "joy", "chance", "bill", "mark", "frank", "art", "jack",
	"gene", "dawn", "summer", "autumn", "ruby", "pearl", "holly", "ivy",
	"constance", "charity", "rich", "sunny", "skip", "buddy", "rocky", "star",
}

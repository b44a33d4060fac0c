package dnsbl

// ResponseFormat is the expected DNS record type a list answers with.
type ResponseFormat string

// Response formats.
const (
	FormatA    ResponseFormat = "A"
	FormatTXT  ResponseFormat = "TXT"
	FormatBoth ResponseFormat = "both"
)

// List is a single DNSBL zone descriptor.  The static set below mirrors
// the well-known blocklists the screening engine is grounded on.
type List struct {
	ID                string
	Zone              string
	Category          string
	DefaultEnabled    bool
	ResponseFormat    ResponseFormat
	Priority          int // 1 = highest priority
	AvgResponseMillis int
}

// defaultLists is the static, process-wide set of known DNSBL zones.
// Priority and avg response time approximate real-world figures and are
// used purely to order the fan-out for optimal early termination.
var defaultLists = []List{
	{
		ID: "zen", Zone: "zen.spamhaus.org", Category: "spam",
		DefaultEnabled: true, ResponseFormat: FormatA,
		Priority: 1, AvgResponseMillis: 50,
	},
	{
		ID: "sbl", Zone: "sbl.spamhaus.org", Category: "spam",
		DefaultEnabled: false, ResponseFormat: FormatA,
		Priority: 2, AvgResponseMillis: 45,
	},
	{
		ID: "xbl", Zone: "xbl.spamhaus.org", Category: "malware",
		DefaultEnabled: false, ResponseFormat: FormatA,
		Priority: 2, AvgResponseMillis: 45,
	},
	{
		ID: "pbl", Zone: "pbl.spamhaus.org", Category: "spam",
		DefaultEnabled: false, ResponseFormat: FormatA,
		Priority: 5, AvgResponseMillis: 40,
	},
	{
		ID: "barracuda", Zone: "b.barracudacentral.org", Category: "reputation",
		DefaultEnabled: true, ResponseFormat: FormatA,
		Priority: 2, AvgResponseMillis: 60,
	},
	{
		ID: "dronebl", Zone: "dnsbl.dronebl.org", Category: "botnet",
		DefaultEnabled: true, ResponseFormat: FormatA,
		Priority: 2, AvgResponseMillis: 70,
	},
	{
		ID: "spamcop", Zone: "bl.spamcop.net", Category: "spam",
		DefaultEnabled: false, ResponseFormat: FormatA,
		Priority: 4, AvgResponseMillis: 120,
	},
	{
		ID: "projecthoneypot", Zone: "dnsbl.httpbl.org", Category: "proxy",
		DefaultEnabled: false, ResponseFormat: FormatTXT,
		Priority: 6, AvgResponseMillis: 80,
	},
}

// reasonTable maps a zone to a table of low-octet value -> human-readable
// reason, for well-known zones whose 127.0.0.x encoding is documented.
// Unknown zones or unmapped octets fall back to the literal response IP.
var reasonTable = map[string]map[byte]string{
	"zen.spamhaus.org": {
		2: "Spamhaus SBL - verified spam source",
		3: "Spamhaus SBL - verified spam source",
		4: "Spamhaus XBL - exploited host / botnet C&C",
		5: "Spamhaus XBL - exploited host / botnet C&C",
		6: "Spamhaus XBL - illegal 3rd party exploit",
		7: "Spamhaus XBL - illegal 3rd party exploit",
		10: "Spamhaus PBL - ISP dynamic IP range",
		11: "Spamhaus PBL - ISP dynamic IP range",
	},
	"sbl.spamhaus.org": {
		2: "Spamhaus SBL - verified spam source",
		3: "Spamhaus SBL - verified spam source",
	},
	"xbl.spamhaus.org": {
		4: "Spamhaus XBL - exploited host / botnet C&C",
		5: "Spamhaus XBL - exploited host / botnet C&C",
		6: "Spamhaus XBL - illegal 3rd party exploit",
		7: "Spamhaus XBL - illegal 3rd party exploit",
	},
	"dnsbl.httpbl.org": {
		2: "Project Honeypot - suspicious commenter",
		3: "Project Honeypot - harvester",
		4: "Project Honeypot - suspicious commenter + harvester",
		5: "Project Honeypot - comment spammer",
	},
	"dnsbl.dronebl.org": {
		2: "DroneBL - sampled IP",
		3: "DroneBL - IRC drone",
		5: "DroneBL - bottler",
		6: "DroneBL - unknown spambot or drone",
		7: "DroneBL - DDoS drone",
		8: "DroneBL - open SOCKS proxy",
		9: "DroneBL - open HTTP proxy",
		10: "DroneBL - proxy chain",
		11: "DroneBL - web page proxy",
		12: "DroneBL - open HTTP proxy (transparent)",
		13: "DroneBL - open HTTP proxy (anonymous)",
	},
}

// reasonFor returns the human-readable reason for zone and the low byte of
// a 127.0.0.x A response, falling back to the literal IP when the zone or
// octet isn't in the static table.
func reasonFor(zone string, loByte byte, literalIP string) string {
	if table, ok := reasonTable[zone]; ok {
		if reason, ok := table[loByte]; ok {
			return reason
		}
	}
	return literalIP
}

// Lists is the registry of known DNSBL zones, filterable per-check by an
// include/exclude policy.
type Lists struct {
	all []List
}

// NewLists returns the default, process-wide DNSBL registry.
func NewLists() *Lists {
	out := make([]List, len(defaultLists))
	copy(out, defaultLists)
	return &Lists{all: out}
}

// ByID returns the list with the given id, if any.
func (l *Lists) ByID(id string) (List, bool) {
	for _, ls := range l.all {
		if ls.ID == id {
			return ls, true
		}
	}
	return List{}, false
}

// Effective returns the lists to check for one screening request: either
// the caller's explicit specificLists, or every default-enabled list,
// minus excludedLists, sorted by (priority asc, avgResponseMillis asc).
func (l *Lists) Effective(specificLists, excludedLists []string) []List {
	var base []List
	if len(specificLists) > 0 {
		for _, id := range specificLists {
			if ls, ok := l.ByID(id); ok {
				base = append(base, ls)
			}
		}
	} else {
		for _, ls := range l.all {
			if ls.DefaultEnabled {
				base = append(base, ls)
			}
		}
	}

	if len(excludedLists) > 0 {
		excl := make(map[string]bool, len(excludedLists))
		for _, id := range excludedLists {
			excl[id] = true
		}
		filtered := base[:0:0]
		for _, ls := range base {
			if !excl[ls.ID] {
				filtered = append(filtered, ls)
			}
		}
		base = filtered
	}

	out := make([]List, len(base))
	copy(out, base)
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && less(out[j], out[j-1]) {
			out[j], out[j-1] = out[j-1], out[j]
			j--
		}
	}
	return out
}

func less(a, b List) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.AvgResponseMillis < b.AvgResponseMillis
}

// Stats summarizes the registry for observability.
type Stats struct {
	Total   int
	Enabled int
}

// Stats returns registry-wide counts.
func (l *Lists) Stats() Stats {
	s := Stats{Total: len(l.all)}
	for _, ls := range l.all {
		if ls.DefaultEnabled {
			s.Enabled++
		}
	}
	return s
}

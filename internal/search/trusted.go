package search

import "strings"

var trustedTLDs = []string{".gov", ".edu"}

var trustedDomains = []string{
	"www.nature.com",
	"www.sciencedirect.com",
	"arxiv.org",
	"www.nhs.uk",
	"www.mayoclinic.org",
	"www.bmj.com",
	"www.nytimes.com",
	"www.bbc.com",
	"www.who.int",
	"www.cdc.gov",
	"www.whitehouse.gov",
	"data.gov",
	"developer.mozilla.org",
	"docs.python.org",
	"nodejs.org",
	"khanacademy.org",
	"stanford.edu",
	"mit.edu",
}

// IsTrusted reports whether raw points at an allowlisted host or a
// government/education TLD.
func IsTrusted(raw string) bool {
	host := Hostname(raw)
	if host == "" {
		return false
	}
	for _, tld := range trustedTLDs {
		if strings.HasSuffix(host, tld) {
			return true
		}
	}
	for _, domain := range trustedDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// PreferTrusted returns only the trusted results when there is at least one,
// otherwise results unchanged.
func PreferTrusted(results []Result) []Result {
	trusted := make([]Result, 0, len(results))
	for _, result := range results {
		if IsTrusted(result.URL) {
			trusted = append(trusted, result)
		}
	}
	if len(trusted) == 0 {
		return results
	}
	return trusted
}

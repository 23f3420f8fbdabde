package ingest

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/invisible-tech/sentinel/internal/observer"
)

const clfTimeLayout = "02/Jan/2006:15:04:05 -0700"

// Parser parses Nginx/Apache Common and Combined Log Format lines.
// Format: 1.2.3.4 - user [01/Jan/2026:12:00:00 +0000] "GET /path HTTP/1.1" 200 123 "-" "UserAgent"
type Parser struct {
	re *regexp.Regexp
}

// NewParser returns a Parser.
func NewParser() *Parser {
	// 1=IP, 2=User, 3=Time, 4=Method, 5=URL, 6=Status, 7=Size; referer and
	// user agent are optional so plain CLF matches too.
	return &Parser{
		re: regexp.MustCompile(`^(\S+) \S+ (\S+) \[([^\]]+)\] "(\S+) (\S+)(?: [^"]*)?" (\d{3}) (\d+|-)`),
	}
}

// Parse returns the request recorded on line, stamped with the log time, or
// false if the line is not an access log record.
func (p *Parser) Parse(line string) (observer.RequestObservation, bool) {
	m := p.re.FindStringSubmatch(line)
	if m == nil {
		return observer.RequestObservation{}, false
	}

	status, err := strconv.Atoi(m[6])
	if err != nil {
		return observer.RequestObservation{}, false
	}
	var size int64
	if m[7] != "-" {
		size, _ = strconv.ParseInt(m[7], 10, 64)
	}
	user := m[2]
	if user == "-" {
		user = ""
	}
	// An unreadable time leaves the observation unstamped, observed as now.
	ts, err := time.Parse(clfTimeLayout, m[3])
	if err != nil {
		ts = time.Time{}
	}

	return observer.RequestObservation{
		Endpoint:    decodeTarget(m[5]),
		Method:      m[4],
		SourceIP:    m[1],
		UserID:      user,
		StatusCode:  status,
		RequestSize: size,
		Timestamp:   ts.UTC(),
	}, true
}

// decodeTarget unescapes the query of a request target so encoded injection
// payloads are matched like plain ones.
func decodeTarget(target string) string {
	path, query, found := strings.Cut(target, "?")
	if !found {
		return target
	}
	if q, err := url.QueryUnescape(query); err == nil {
		query = q
	}
	return path + "?" + query
}

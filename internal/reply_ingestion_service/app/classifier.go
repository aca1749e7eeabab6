package app

import (
	"bufio"
	"strings"

	"github.com/lexreach/golang_services/internal/core_domain"
)

// Checked in order. Negative phrases come first because they contain the positive keyword.
var replyKeywords = []struct {
	phrase string
	kind   core_domain.ResponseType
}{
	{"NOT INTERESTED", core_domain.ResponseUnavailable},
	{"NOT AVAILABLE", core_domain.ResponseUnavailable},
	{"UNAVAILABLE", core_domain.ResponseUnavailable},
	{"DECLINE", core_domain.ResponseUnavailable},
	{"MORE INFO", core_domain.ResponseMoreInfo},
	{"MORE DETAILS", core_domain.ResponseMoreInfo},
	{"INTERESTED", core_domain.ResponseInterested},
}

// Classify maps a reply body to a response type. Quoted text from the original
// message is ignored since it lists every option.
func Classify(body string) core_domain.ResponseType {
	text := strings.ToUpper(stripQuoted(body))
	if strings.TrimSpace(text) == "" {
		return core_domain.ResponseUnclassified
	}
	for _, kw := range replyKeywords {
		if strings.Contains(text, kw.phrase) {
			return kw.kind
		}
	}
	return core_domain.ResponseUnclassified
}

func stripQuoted(body string) string {
	var b strings.Builder
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if isQuoteBoundary(line) {
			break
		}
		if strings.HasPrefix(line, ">") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func isQuoteBoundary(line string) bool {
	switch {
	case strings.HasPrefix(line, "-----Original Message-----"):
		return true
	case strings.HasPrefix(line, "From:") && strings.Contains(line, "@"):
		return true
	case strings.HasPrefix(line, "On ") && strings.HasSuffix(line, "wrote:"):
		return true
	}
	return false
}

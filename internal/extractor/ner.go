package extractor

import (
	"context"
	"regexp"
	"strings"

	"kycbackend/internal/model"
)

// RegexNER extracts identity fields from OCR text with label-anchored
// patterns. It is the default NER engine; an HTTP-backed engine can be
// swapped in behind the same interface.
type RegexNER struct{}

func NewRegexNER() *RegexNER {
	return &RegexNER{}
}

var (
	nameLabelRe = regexp.MustCompile(`(?:Name|Full Name|FullName)[:\s]+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)+)`)
	namePlainRe = regexp.MustCompile(`[A-Z][a-z]+\s+[A-Z][a-z]+`)

	dobLabelRe = regexp.MustCompile(`(?:DOB|Date of Birth|Birth Date)[:\s]+(\d{1,2}[/-]\d{1,2}[/-]\d{4})`)
	dobPlainRe = regexp.MustCompile(`\d{1,2}[/-]\d{1,2}[/-]\d{4}`)

	// Address capture stays on one line so the next labeled field is never
	// swallowed into it.
	addressLabelRe = regexp.MustCompile(`(?i)(?:Address|Addr)[:\s]+([0-9]+ [A-Za-z0-9 ,]+(?:Street|St|Avenue|Ave|Road|Rd|Lane|Ln|Drive|Dr|Boulevard|Blvd|Court|Ct)[A-Za-z0-9 ,]*)`)
	addressPlainRe = regexp.MustCompile(`(?i)[0-9]+ [A-Za-z0-9 ,]+(?:Street|St|Avenue|Ave|Road|Rd)`)

	idLabelRe = regexp.MustCompile(`(?i)(?:ID|ID Number|Passport|SSN|Social Security)[:\s#]+([A-Z0-9]{6,20})`)
	idPlainRe = regexp.MustCompile(`[A-Z]{1,2}\d{6,12}`)
	ssnRe     = regexp.MustCompile(`\d{3}-\d{2}-\d{4}`)
)

func (n *RegexNER) Extract(ctx context.Context, text string) (*model.ExtractedEntitySet, error) {
	entities := &model.ExtractedEntitySet{}
	if text == "" {
		return entities, nil
	}

	entities.Name = firstMatch(text, nameLabelRe, namePlainRe)
	entities.DOB = firstMatch(text, dobLabelRe, dobPlainRe)
	entities.Address = strings.TrimSpace(firstMatch(text, addressLabelRe, addressPlainRe))
	entities.IDNumber = firstMatch(text, idLabelRe, idPlainRe, ssnRe)

	return entities, nil
}

// firstMatch tries patterns in order and returns the capture group if the
// pattern has one, otherwise the whole match.
func firstMatch(text string, patterns ...*regexp.Regexp) string {
	for _, re := range patterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if len(m) > 1 {
			return m[1]
		}
		return m[0]
	}
	return ""
}

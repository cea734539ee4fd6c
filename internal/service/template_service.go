// internal/service/template_service.go
package service

import (
	"sort"
	"strings"

	"github.com/unclebandit/promo-mailer-backend/internal/model"
)

// RenderTemplate replaces {key} placeholders with values from data in a
// single pass. Substituted values are never expanded again.
func RenderTemplate(template string, data map[string]string) string {
	return placeholderReplacer(data).Replace(template)
}

func placeholderReplacer(data map[string]string) *strings.Replacer {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", data[k])
	}
	return strings.NewReplacer(pairs...)
}

func recipientPlaceholders(msg *model.OutboundMessage) map[string]string {
	return map[string]string{
		"first_name": msg.FirstName,
		"last_name":  msg.LastName,
		"email":      msg.Email,
	}
}

// personalize fills recipient placeholders in the subject and every
// section, leaving the campaign's own slice untouched.
func personalize(subject string, sections []model.Section, msg *model.OutboundMessage) (string, []model.Section) {
	r := placeholderReplacer(recipientPlaceholders(msg))
	out := make([]model.Section, len(sections))
	for i, s := range sections {
		s.Content = r.Replace(s.Content)
		out[i] = s
	}
	return r.Replace(subject), out
}

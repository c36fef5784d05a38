package engine

import (
	"fmt"
	"strings"
)

const (
	RedactPlaceholder = "[message redacted by moderator bot]"
	FinalWarningText  = "This is a final warning. Continued violations may lead to removal from the group."
	seriousFallback   = "Please stop, this violates our community guidelines. Take a short break and return respectfully."
)

// Resource is a support contact included in crisis replies.
type Resource struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

var DefaultResources = []Resource{
	{Name: "IITG Psychiatrist Appointments", URL: "https://online.iitg.ac.in/chw/vdstudentspecial.jsp"},
	{Name: "Kiran Mental Health Helpline (24x7)", URL: "1800-599-0019"},
	{Name: "AASRA 24x7 Helpline", URL: "9152987821"},
}

// ResourceBlock lists up to three resources, one per line.
func ResourceBlock(res []Resource) string {
	if len(res) == 0 {
		res = DefaultResources
	}
	if len(res) > 3 {
		res = res[:3]
	}
	lines := make([]string, len(res))
	for i, r := range res {
		lines[i] = fmt.Sprintf("- %s: %s", r.Name, r.URL)
	}
	return strings.Join(lines, "\n")
}

// FallbackReply is never empty.
func FallbackReply(kind ReplyKind, res []Resource) string {
	if kind == ReplyCrisis {
		return "You matter, and help is available right now. Consider reaching out:\n" + ResourceBlock(res)
	}
	return seriousFallback
}

func finalWarningNotice(mention string, violations int) string {
	if mention == "" {
		mention = "A member"
	}
	return fmt.Sprintf("%s has reached %d violations. This is their final warning. Continued violations may lead to removal.", mention, violations)
}

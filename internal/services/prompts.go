package services

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/communitywatch/incident-server/internal/models"
)

type prompt int

const (
	promptMainMenu prompt = iota
	promptCategory
	promptHelp
	promptSeverity
	promptLocation
	promptDescription
	promptCallback
	promptConfirm
	promptSubmitted
	promptCancelled
	promptGoodbye
	promptTimeout
	promptInvalid
	promptFailure
	promptEnded
	promptBusy
	promptWait
)

var prompts = map[models.Language]map[prompt]string{
	models.LanguageHausa: {
		promptMainMenu:    "Community Watch\n1. Kai rahoto\n2. Nemi taimako\n3. English\n0. Fita",
		promptCategory:    "Zabi irin lamari:\n1. Abin tuhuma\n2. Sata\n3. Fashi da makami\n4. Fada\n5. Harbin bindiga\n6. Garkuwa\n7. Gobara\n8. Rashin lafiya\n9. Wani abu",
		promptHelp:        "Wane taimako kake bukata?\n1. 'Yan sanda\n2. 'Yan kwana-kwana\n3. Motar asibiti\n4. Shugabannin al'umma",
		promptSeverity:    "Yaya girman lamarin?\n1. Karami\n2. Matsakaici\n3. Babba\n4. Mai tsanani",
		promptLocation:    "Ina ne?\n1. Wurin layina\nKo rubuta: kauye, karamar hukuma, jiha",
		promptDescription: "Bayyana abin da ya faru (0 don tsallakewa):",
		promptCallback:    "Za a iya kiran ka?\n1. Eh\n2. A'a",
		promptConfirm:     "Tabbatar: %s, %s, %s\n1. Tura\n2. Soke",
		promptSubmitted:   "Mun gode. An karbi rahoto %s. Ana sanar da masu taimako.",
		promptCancelled:   "An soke rahoton.",
		promptGoodbye:     "Sai an jima.",
		promptTimeout:     "Lokaci ya kure. Da fatan za a sake kira.",
		promptInvalid:     "Zabi mara inganci.",
		promptFailure:     "Yi hakuri, ba mu iya ajiye rahotonka ba. Sake gwadawa.",
		promptEnded:       "Wannan zama ya kare. Da fatan za a sake kira.",
		promptBusy:        "Bukatu sun yi yawa. Sake gwadawa anjima.",
		promptWait:        "Da fatan a jira a sake gwadawa.",
	},
	models.LanguageEnglish: {
		promptMainMenu:    "Community Watch\n1. Report incident\n2. Request help\n3. Hausa\n0. Exit",
		promptCategory:    "Incident type:\n1. Suspicious activity\n2. Theft\n3. Armed robbery\n4. Fight\n5. Gunshots\n6. Kidnapping\n7. Fire\n8. Medical\n9. Other",
		promptHelp:        "What help do you need?\n1. Police\n2. Fire service\n3. Ambulance\n4. Community leaders",
		promptSeverity:    "How serious is it?\n1. Low\n2. Medium\n3. High\n4. Critical",
		promptLocation:    "Where is it?\n1. Use my network location\nOr type: village, LGA, state",
		promptDescription: "Describe what happened (0 to skip):",
		promptCallback:    "May a responder call you back?\n1. Yes\n2. No",
		promptConfirm:     "Confirm: %s, %s, %s\n1. Submit\n2. Cancel",
		promptSubmitted:   "Thank you. Report %s received. Responders are being notified.",
		promptCancelled:   "Report cancelled.",
		promptGoodbye:     "Goodbye.",
		promptTimeout:     "Session timed out. Please dial again.",
		promptInvalid:     "Invalid choice.",
		promptFailure:     "Sorry, we could not save your report. Please try again.",
		promptEnded:       "This session has ended. Please dial again.",
		promptBusy:        "Too many requests. Please try again later.",
		promptWait:        "Please wait and try again.",
	},
}

var severityLabels = map[models.Language]map[models.Severity]string{
	models.LanguageHausa: {
		models.SeverityLow:      "karami",
		models.SeverityMedium:   "matsakaici",
		models.SeverityHigh:     "babba",
		models.SeverityCritical: "mai tsanani",
	},
	models.LanguageEnglish: {
		models.SeverityLow:      "low",
		models.SeverityMedium:   "medium",
		models.SeverityHigh:     "high",
		models.SeverityCritical: "critical",
	},
}

var networkLocationLabel = map[models.Language]string{
	models.LanguageHausa:   "wurin layi",
	models.LanguageEnglish: "network location",
}

// text returns the prompt in lang, falling back to English
func text(lang models.Language, p prompt, args ...any) string {
	table, ok := prompts[lang]
	if !ok {
		table = prompts[models.LanguageEnglish]
	}
	s, ok := table[p]
	if !ok {
		s = prompts[models.LanguageEnglish][p]
	}
	if len(args) > 0 {
		return fmt.Sprintf(s, args...)
	}
	return s
}

func invalid(lang models.Language, p prompt) string {
	return text(lang, promptInvalid) + "\n" + text(lang, p)
}

func confirmation(lang models.Language, d models.UssdDraft) string {
	where := networkLocationLabel[lang]
	if !d.UseNetworkLoc {
		parts := make([]string, 0, 3)
		for _, p := range []string{d.Village, d.LGA, d.State} {
			if p != "" {
				parts = append(parts, p)
			}
		}
		where = strings.Join(parts, "/")
	}
	sev, ok := severityLabels[lang][d.Severity]
	if !ok {
		sev = string(d.Severity)
	}
	return text(lang, promptConfirm, strings.ReplaceAll(string(d.IncidentType), "_", " "), sev, where)
}

// truncate caps s at max runes, ending with "..." when shortened
func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	const ellipsis = "..."
	if max <= len(ellipsis) {
		return string([]rune(s)[:max])
	}
	return string([]rune(s)[:max-len(ellipsis)]) + ellipsis
}

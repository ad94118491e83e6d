package email

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"rotarydesk/internal/types"
)

// upperWords are honorifics kept fully upper-case by TitleCase.
var upperWords = map[string]string{
	"pdg": "PDG",
	"ca":  "CA",
}

// TitleCase capitalises each space-separated word and lower-cases the rest
// of it, except for the honorifics in upperWords.
func TitleCase(s string) string {
	if s == "" {
		return ""
	}
	words := strings.Split(s, " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		lower := strings.ToLower(w)
		if up, ok := upperWords[lower]; ok {
			words[i] = up
			continue
		}
		r, size := utf8.DecodeRuneInString(lower)
		words[i] = string(unicode.ToUpper(r)) + lower[size:]
	}
	return strings.Join(words, " ")
}

// OrdinalSuffix returns "st", "nd", "rd" or "th" for a day of month.
func OrdinalSuffix(day int) string {
	if day%100 >= 11 && day%100 <= 13 {
		return "th"
	}
	switch day % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	}
	return "th"
}

// FormatFullDate renders d in year as "15th October 2026".
func FormatFullDate(d types.Day, year int) string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d%s %s %d", d.Day, OrdinalSuffix(d.Day), d.Month, year)
}

// NewsletterSubject builds the daily notification subject.
func NewsletterSubject(d types.Day, year int, advance bool) string {
	subject := "Birthday and Anniversary Notification " + FormatFullDate(d, year)
	if advance {
		return "Advance " + subject
	}
	return subject
}

// BirthdaySubject is the subject of a personal birthday greeting.
func BirthdaySubject(name string) string {
	return fmt.Sprintf("Happy Birthday, %s!", TitleCase(name))
}

// AnniversarySubject is the subject of a personal anniversary greeting.
func AnniversarySubject(name, partner string) string {
	return fmt.Sprintf("Happy Anniversary, %s & %s!", TitleCase(name), TitleCase(partner))
}

// YearOf returns the calendar year of t in loc.
func YearOf(t time.Time, loc *time.Location) int {
	return t.In(loc).Year()
}

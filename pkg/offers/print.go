package offers

import (
	"fmt"
	"io"
	"strings"
)

// PrintSummary writes one line per entry. Output flags select and order the
// columns: t (title), u (url), n (namespace), o (outcome), a (attempts).
func PrintSummary(w io.Writer, s *RunSummary, outputFlags, delimiter string) error {
	for _, e := range s.Entries {
		line, err := createLine(e, outputFlags, delimiter)
		if err != nil {
			return err
		}
		if len(line) > 0 {
			fmt.Fprintln(w, line)
		}
	}
	return nil
}

// PrintOffers writes the free catalog offers, one per line.
func PrintOffers(w io.Writer, list []PromotionOffer, delimiter string) {
	for _, o := range list {
		kind := "game"
		if o.IsBundle {
			kind = "bundle"
		}
		fmt.Fprintln(w, strings.Join([]string{o.Namespace, kind, o.Title, o.URL}, delimiter))
	}
}

func createLine(e SummaryEntry, outputFlags, delimiter string) (string, error) {
	var line string
	for _, f := range outputFlags {
		switch f {
		case 't':
			line += e.Title + delimiter
		case 'u':
			line += e.URL + delimiter
		case 'n':
			line += e.Namespace + delimiter
		case 'o':
			line += string(e.Outcome) + delimiter
		case 'a':
			line += fmt.Sprint(e.Attempts) + delimiter
		default:
			return "", fmt.Errorf("invalid print flag %q", f)
		}
	}
	return strings.TrimSuffix(line, delimiter), nil
}

package memory

import "fmt"

// FileName identifies one of the four fixed memory files.
type FileName string

const (
	FileGoals    FileName = "Goals.md"
	FileBudget   FileName = "Budget.md"
	FileState    FileName = "State.md"
	FileBehavior FileName = "Behavior.md"
)

// Files lists the four memory files in a stable order, used by Reindex and
// Reset.
var Files = []FileName{FileGoals, FileBudget, FileState, FileBehavior}

// PlaceholderMarkers are bullet bodies that do not count as real
// observations. The first real observation appended to a section replaces
// the first occurrence of one of these, per the Memory Store's invariant.
var PlaceholderMarkers = []string{
	"[No patterns recorded yet]",
	"[AMOUNT]",
	"[ ]",
}

// lastUpdatedHeader is the reserved section every template (and every
// mutation) stamps with a single timestamp line.
const lastUpdatedHeader = "## Last Updated"

func isPlaceholder(body string) bool {
	for _, p := range PlaceholderMarkers {
		if body == p {
			return true
		}
	}
	return false
}

// Template returns the fixed starter content for a freshly reset file.
func Template(name FileName) string {
	switch name {
	case FileGoals:
		return "# Goals\n\n## Aspirations\n\n- [No patterns recorded yet]\n\n" + lastUpdatedHeader + "\n- [ ]\n"
	case FileBudget:
		return "# Budget\n\n## Limits\n\n- [AMOUNT]\n\n" + lastUpdatedHeader + "\n- [ ]\n"
	case FileState:
		return "# Financial State\n\n## Snapshot\n\n- [No patterns recorded yet]\n\n" + lastUpdatedHeader + "\n- [ ]\n"
	case FileBehavior:
		return "# Behavior\n\n## Observed Behaviors\n\n- [No patterns recorded yet]\n\n" + lastUpdatedHeader + "\n- [ ]\n"
	default:
		return "# " + string(name) + "\n\n" + lastUpdatedHeader + "\n- [ ]\n"
	}
}

// BudgetTemplate renders Budget.md with interpolated preference values, used
// by the Update preferences endpoint.
func BudgetTemplate(budget, threshold float64, sensitivity, financialGoals string) string {
	body := "# Budget\n\n## Limits\n\n" +
		"- Monthly budget: $" + formatMoney(budget) + "\n" +
		"- Alert threshold: $" + formatMoney(threshold) + "\n" +
		"- Sensitivity: " + sensitivity + "\n"
	if financialGoals != "" {
		body += "- Notes: " + financialGoals + "\n"
	}
	body += "\n" + lastUpdatedHeader + "\n- [ ]\n"
	return body
}

func formatMoney(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

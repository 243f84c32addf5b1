package export

import (
	"strings"

	"github.com/corvid-labs/memtrace/pkg/trace"
)

// complexTypeItem is one entry in complex_types.json: a record whose
// type name shows smart-pointer, collection, generic, or pointer structure.
type complexTypeItem struct {
	Ptr        uint64 `json:"ptr"`
	TypeName   string `json:"type_name"`
	Category   string `json:"category"`
	Complexity int    `json:"complexity"`
	VarName    string `json:"var_name,omitempty"`
}

// smartPointerNames are type-name substrings whose presence marks a value
// as owned through indirection rather than held directly, across the
// languages the instrumented runtimes are likely to target.
var smartPointerNames = []string{"Arc", "Rc", "Box", "Mutex", "RefCell", "Cell", "RwLock", "Weak", "shared_ptr", "unique_ptr", "sync.Mutex", "atomic."}

var collectionNames = []string{"Vec", "HashMap", "BTreeMap", "HashSet", "BTreeSet", "VecDeque", "LinkedList", "vector", "map[", "[]"}

func classifyTypeName(name string) (category string, complexity int) {
	depth := maxNestingDepth(name)
	params := typeParamCount(name)

	switch {
	case containsAny(name, smartPointerNames):
		category = "smart_pointer"
	case containsAny(name, collectionNames):
		category = "collection"
	case strings.Contains(name, "<") || strings.Count(name, "[") > 0:
		category = "generic"
	case strings.HasPrefix(name, "*") || strings.HasPrefix(name, "&"):
		category = "pointer"
	default:
		category = "plain"
	}

	complexity = depth*2 + params

	return category, complexity
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}

	return false
}

// maxNestingDepth counts the deepest level of <...> or [...] bracket
// nesting in a type name, e.g. "Arc<Mutex<Vec<u8>>>" has depth 3.
func maxNestingDepth(name string) int {
	depth, max := 0, 0

	for _, r := range name {
		switch r {
		case '<', '[':
			depth++
			if depth > max {
				max = depth
			}
		case '>', ']':
			if depth > 0 {
				depth--
			}
		}
	}

	return max
}

// typeParamCount estimates how many comma-separated type parameters
// appear at the outermost generic level, e.g. "HashMap<String, Vec<u8>>"
// has 2.
func typeParamCount(name string) int {
	open := strings.IndexAny(name, "<[")
	if open < 0 {
		return 0
	}

	depth := 0
	count := 1

	for _, r := range name[open:] {
		switch r {
		case '<', '[':
			depth++
		case '>', ']':
			depth--
		case ',':
			if depth == 1 {
				count++
			}
		}
	}

	return count
}

func buildComplexTypes(tracePath, outPath string) error {
	return streamItems(tracePath, outPath, func(r trace.Record, strs []string, _ []trace.StackEntry, iw *itemsWriter) error {
		typeName, ok := resolveString(strs, r.TypeNameID)
		if !ok {
			return nil
		}

		category, complexity := classifyTypeName(typeName)
		if category == "plain" {
			return nil
		}

		varName, _ := resolveString(strs, r.VarNameID)

		return iw.WriteItem(complexTypeItem{
			Ptr: r.Ptr, TypeName: typeName, Category: category,
			Complexity: complexity, VarName: varName,
		})
	})
}

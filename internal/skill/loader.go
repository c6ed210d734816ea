package skill

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mpataki/paflow/internal/models"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNoFrontMatter is returned by SplitFrontMatter when the document does
	// not open with a `---` fence.
	ErrNoFrontMatter = errors.New("skill: missing front matter")
	// ErrInvalidEncoding marks a document that is not valid UTF-8.
	ErrInvalidEncoding = errors.New("skill: document is not valid UTF-8")
)

// Skipped describes a document the loader could not use.
type Skipped struct {
	Path string
	Err  error
}

// Result is the outcome of loading a skills directory.
type Result struct {
	Skills  []*models.SkillSpec
	Skipped []Skipped
}

var (
	roleSection         = regexp.MustCompile(`(?is)##\s*Role\s*\n+(.*?)(?:\n##|\z)`)
	instructionsSection = regexp.MustCompile(`(?is)##\s*Instructions\s*\n+(.*?)(?:\n##\s*(?:Input|Output|Connectors|Key|Example|Resources|Notes|Quick)|\z)`)
	inputSchemaBlock    = regexp.MustCompile("(?is)##\\s*Input\\s*Schema\\s*\\n+```(?:json)?\\s*\\n(.*?)```")
	outputSchemaBlock   = regexp.MustCompile("(?is)##\\s*Output\\s*Schema\\s*\\n+```(?:json)?\\s*\\n(.*?)```")
)

// Parse reads a single skill document.
func Parse(path string) (*models.SkillSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read skill file: %w", err)
	}
	if !utf8.Valid(data) {
		return nil, ErrInvalidEncoding
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	s, err := parseDocument(stem, data)
	if err != nil {
		return nil, err
	}
	s.Path = path
	return s, nil
}

func parseDocument(stem string, data []byte) (*models.SkillSpec, error) {
	fm, body, err := SplitFrontMatter(data)
	if err != nil {
		// documents without front matter are still usable
		fm, body = map[string]any{}, data
	}

	s := &models.SkillSpec{
		Name:           stem,
		ExecutionOrder: models.DefaultExecutionOrder,
	}

	if v, ok := fm["name"]; ok && v != nil {
		s.Name = strings.TrimSpace(fmt.Sprint(v))
	}
	if v, ok := fm["description"]; ok && v != nil {
		s.Description = strings.TrimSpace(fmt.Sprint(v))
	}
	if v, ok := fm["execution_order"]; ok && v != nil {
		order, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("invalid execution_order: %w", err)
		}
		s.ExecutionOrder = order
	}
	if v, ok := fm["condition"]; ok && v != nil {
		s.Condition = strings.TrimSpace(fmt.Sprint(v))
	}
	s.Gate = models.ParseCondition(s.Condition)

	content := string(normalizeNewlines(body))
	s.Role = firstGroup(roleSection, content)
	s.Instructions = firstGroup(instructionsSection, content)
	s.InputSchema = firstGroup(inputSchemaBlock, content)
	s.OutputSchema = firstGroup(outputSchemaBlock, content)

	return s, nil
}

// SplitFrontMatter separates the YAML block between `---` fences from the
// body. Malformed YAML yields empty metadata rather than an error.
func SplitFrontMatter(content []byte) (map[string]any, []byte, error) {
	normalized := normalizeNewlines(content)
	trimmed := bytes.TrimSpace(normalized)
	if !bytes.HasPrefix(trimmed, []byte("---")) {
		return nil, content, ErrNoFrontMatter
	}
	parts := bytes.SplitN(trimmed, []byte("---"), 3)
	if len(parts) < 3 {
		return nil, content, ErrNoFrontMatter
	}

	meta := map[string]any{}
	if err := yaml.Unmarshal(bytes.TrimSpace(parts[1]), &meta); err != nil || meta == nil {
		meta = map[string]any{}
	}
	return meta, bytes.TrimSpace(parts[2]), nil
}

// Load reads every *.md file in dir. Documents that fail to parse are
// reported in Skipped and never abort the batch. A missing directory yields
// an empty result.
func Load(dir string) Result {
	var res Result

	entries, err := os.ReadDir(dir)
	if err != nil {
		return res
	}

	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".md") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		s, err := Parse(path)
		if err == nil {
			err = Validate(s)
		}
		if err == nil {
			if prev, dup := seen[s.Name]; dup {
				err = fmt.Errorf("duplicate skill name %q (already loaded from %s)", s.Name, prev)
			}
		}
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{Path: path, Err: err})
			continue
		}

		seen[s.Name] = path
		res.Skills = append(res.Skills, s)
	}

	sort.SliceStable(res.Skills, func(i, j int) bool {
		return res.Skills[i].ExecutionOrder < res.Skills[j].ExecutionOrder
	})

	return res
}

// LoadDir returns the usable skills in dir ordered by execution order.
func LoadDir(dir string) []*models.SkillSpec {
	return Load(dir).Skills
}

func Validate(s *models.SkillSpec) error {
	if s.Name == "" {
		return fmt.Errorf("skill must have a name")
	}
	if strings.ContainsAny(s.Name, " \t\n") {
		return fmt.Errorf("skill name %q must not contain whitespace", s.Name)
	}
	return nil
}

func firstGroup(re *regexp.Regexp, content string) string {
	m := re.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func normalizeNewlines(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}

package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cybergrind/dynamic-ralph/internal/resolver"
	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

// OneShotStoryID is the id of the synthetic story created for a single task.
const OneShotStoryID = "oneshot"

// SpecStory is one story record from a spec file.
type SpecStory struct {
	ID                 string
	Title              string
	Description        string
	AcceptanceCriteria []string
	DependsOn          []string
}

type specRecord struct {
	ID                      string   `json:"id" yaml:"id"`
	Title                   string   `json:"title" yaml:"title"`
	Description             string   `json:"description" yaml:"description"`
	AcceptanceCriteria      []string `json:"acceptanceCriteria" yaml:"acceptanceCriteria"`
	AcceptanceCriteriaSnake []string `json:"acceptance_criteria" yaml:"acceptance_criteria"`
	DependsOn               []string `json:"depends_on" yaml:"depends_on"`
}

type specDocument struct {
	Stories     []specRecord `json:"stories" yaml:"stories"`
	UserStories []specRecord `json:"userStories" yaml:"userStories"`
}

// ParseSpec decodes spec content. YAML is used when the name ends in .yaml or
// .yml; everything else is treated as JSON. The document may be a flat list of
// story records or an object holding them under "stories" or "userStories".
func ParseSpec(name string, data []byte) ([]SpecStory, error) {
	var records []specRecord
	var err error

	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		records, err = decodeYAMLSpec(data)
	default:
		records, err = decodeJSONSpec(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse spec %s: %w", name, err)
	}

	out := make([]SpecStory, 0, len(records))
	for i, r := range records {
		if strings.TrimSpace(r.ID) == "" {
			return nil, fmt.Errorf("story record %d is missing an id", i)
		}
		criteria := r.AcceptanceCriteria
		if len(criteria) == 0 {
			criteria = r.AcceptanceCriteriaSnake
		}
		out = append(out, SpecStory{
			ID:                 r.ID,
			Title:              r.Title,
			Description:        r.Description,
			AcceptanceCriteria: criteria,
			DependsOn:          r.DependsOn,
		})
	}
	return out, nil
}

func decodeJSONSpec(data []byte) ([]specRecord, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var records []specRecord
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, err
		}
		return records, nil
	}

	var doc specDocument
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	return doc.records()
}

func decodeYAMLSpec(data []byte) ([]specRecord, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, fmt.Errorf("empty document")
	}

	root := node.Content[0]
	if root.Kind == yaml.SequenceNode {
		var records []specRecord
		if err := root.Decode(&records); err != nil {
			return nil, err
		}
		return records, nil
	}

	var doc specDocument
	if err := root.Decode(&doc); err != nil {
		return nil, err
	}
	return doc.records()
}

func (d specDocument) records() ([]specRecord, error) {
	switch {
	case d.Stories != nil:
		return d.Stories, nil
	case d.UserStories != nil:
		return d.UserStories, nil
	}
	return nil, fmt.Errorf(`expected a list of stories or an object with "stories"`)
}

// BuildState creates a fresh state document from parsed spec stories and
// validates the dependency graph.
func BuildState(prdFile string, stories []SpecStory) (*workflow.State, error) {
	st := workflow.NewState(prdFile)
	for _, rec := range stories {
		title := rec.Title
		if title == "" {
			title = rec.ID
		}
		story := workflow.NewStory(rec.ID, title)
		story.Description = rec.Description
		story.AcceptanceCriteria = rec.AcceptanceCriteria
		if rec.DependsOn != nil {
			story.DependsOn = append([]string{}, rec.DependsOn...)
		}
		if err := st.AddStory(story); err != nil {
			return nil, err
		}
	}

	if err := resolver.ValidateGraph(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Initialize reads the spec at specPath, builds a fresh state with one
// unclaimed story per record and saves it to statePath.
func Initialize(specPath, statePath string) (*workflow.State, error) {
	data, err := os.ReadFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec: %w", err)
	}

	stories, err := ParseSpec(specPath, data)
	if err != nil {
		return nil, err
	}

	st, err := BuildState(specPath, stories)
	if err != nil {
		return nil, err
	}

	if err := Save(st, statePath); err != nil {
		return nil, err
	}
	return st, nil
}

// InitializeOneShot saves a state holding a single story for an ad-hoc task.
func InitializeOneShot(task, statePath string) (*workflow.State, error) {
	title := task
	if first, _, found := strings.Cut(task, "\n"); found {
		title = first
	}
	if len(title) > 80 {
		title = title[:80]
	}

	st, err := BuildState("", []SpecStory{{
		ID:          OneShotStoryID,
		Title:       title,
		Description: task,
	}})
	if err != nil {
		return nil, err
	}

	if err := Save(st, statePath); err != nil {
		return nil, err
	}
	return st, nil
}

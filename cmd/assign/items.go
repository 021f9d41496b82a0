package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/kigo-pro/assignq/internal/assignment"
	"gopkg.in/yaml.v3"
)

// itemEntry accepts either a bare id or a mapping with id and display_name.
type itemEntry struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
}

func (e *itemEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		e.ID = node.Value
		return nil
	}

	type plain itemEntry
	return node.Decode((*plain)(e))
}

type itemFile struct {
	Target string      `yaml:"target"`
	Items  []itemEntry `yaml:"items"`
}

// loadItems reads an item file. JSON files parse as YAML. The document is either a list of
// items or a mapping with an items list and an optional target.
func loadItems(path string) (string, []assignment.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read items file: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return "", nil, fmt.Errorf("failed to parse items file: %w", err)
	}
	if len(root.Content) == 0 {
		return "", nil, errors.New("items file is empty")
	}

	var file itemFile
	switch doc := root.Content[0]; doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&file.Items); err != nil {
			return "", nil, fmt.Errorf("failed to decode items: %w", err)
		}
	case yaml.MappingNode:
		if err := doc.Decode(&file); err != nil {
			return "", nil, fmt.Errorf("failed to decode items: %w", err)
		}
	default:
		return "", nil, errors.New("items file must hold a list or a mapping with an items key")
	}

	items := make([]assignment.Item, len(file.Items))
	for i, e := range file.Items {
		items[i] = assignment.NewItem(e.ID, e.DisplayName)
	}

	return file.Target, items, nil
}

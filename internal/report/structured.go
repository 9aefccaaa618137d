package report

import (
	"encoding/json"
	"fmt"
	"io"

	"go.yaml.in/yaml/v4"
)

func renderJSON(w io.Writer, v any) error {
	prettyJSON, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("error marshalling JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(prettyJSON))
	return err
}

func renderYAML(w io.Writer, v any) error {
	yamlData, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshalling yaml: %w", err)
	}
	_, err = w.Write(yamlData)
	return err
}

package api

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPISpec []byte

// APIDocument is the validated OpenAPI description of the control API
type APIDocument struct {
	doc  *openapi3.T
	json []byte
}

// LoadAPIDocument parses and validates the embedded OpenAPI document
func LoadAPIDocument() (*APIDocument, error) {
	var specData interface{}
	if err := yaml.Unmarshal(openAPISpec, &specData); err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI YAML: %w", err)
	}

	jsonData, err := json.Marshal(specData)
	if err != nil {
		return nil, fmt.Errorf("failed to convert OpenAPI document to JSON: %w", err)
	}

	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(jsonData)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI document: %w", err)
	}

	return &APIDocument{doc: doc, json: jsonData}, nil
}

// Document returns the parsed document
func (d *APIDocument) Document() *openapi3.T {
	return d.doc
}

// HasOperation reports whether the document describes method on path
func (d *APIDocument) HasOperation(method, path string) bool {
	item := d.doc.Paths.Find(path)
	if item == nil {
		return false
	}
	return item.GetOperation(method) != nil
}

// OperationCount counts documented operations
func (d *APIDocument) OperationCount() int {
	count := 0
	for _, item := range d.doc.Paths.Map() {
		count += len(item.Operations())
	}
	return count
}

// ServeHTTP writes the document as JSON
func (d *APIDocument) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(d.json)
}

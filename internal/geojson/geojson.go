// Package geojson gates uploaded payloads before they reach the database.
//
// Validation only checks the minimal FeatureCollection shape; geometries are
// handed to PostGIS untouched and property values keep their JSON types.
package geojson

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"geoingest/internal/ingesterrors"
)

const (
	TypeFeatureCollection = "FeatureCollection"
	TypeFeature           = "Feature"
)

type Document struct {
	Type     string
	Features []Feature
}

type Feature struct {
	Type string
	// Geometry is the feature geometry re-encoded as GeoJSON.
	Geometry json.RawMessage
	// Properties is nil when the feature carries no property object.
	Properties map[string]any
}

type Options struct {
	// RejectEmptyFeatures makes an empty features array a schema violation.
	RejectEmptyFeatures bool
}

// Validate parses raw and checks it is a FeatureCollection whose members are
// Features with a geometry. Numbers are decoded as json.Number.
func Validate(raw []byte, opts Options) (*Document, error) {
	value, err := decode(raw)
	if err != nil {
		return nil, err
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, ingesterrors.New(ingesterrors.KindSchemaViolation, "GeoJSON must be a JSON object")
	}
	if t, _ := obj["type"].(string); t != TypeFeatureCollection {
		return nil, ingesterrors.Newf(ingesterrors.KindSchemaViolation, "type must be %q, got %s", TypeFeatureCollection, describe(obj["type"]))
	}
	rawFeatures, ok := obj["features"]
	if !ok {
		return nil, ingesterrors.New(ingesterrors.KindSchemaViolation, "no features found")
	}
	list, ok := rawFeatures.([]any)
	if !ok {
		return nil, ingesterrors.Newf(ingesterrors.KindSchemaViolation, "features must be an array, got %s", describe(rawFeatures))
	}
	if len(list) == 0 && opts.RejectEmptyFeatures {
		return nil, ingesterrors.New(ingesterrors.KindSchemaViolation, "no features in collection")
	}

	doc := &Document{Type: TypeFeatureCollection, Features: make([]Feature, 0, len(list))}
	for i, item := range list {
		f, err := validateFeature(i, item)
		if err != nil {
			return nil, err
		}
		doc.Features = append(doc.Features, f)
	}
	return doc, nil
}

func validateFeature(index int, item any) (Feature, error) {
	obj, ok := item.(map[string]any)
	if !ok {
		return Feature{}, ingesterrors.FeatureViolation(index, "is not an object")
	}
	if t, _ := obj["type"].(string); t != TypeFeature {
		return Feature{}, ingesterrors.FeatureViolation(index, "type must be %q, got %s", TypeFeature, describe(obj["type"]))
	}
	geometry, ok := obj["geometry"]
	if !ok {
		return Feature{}, ingesterrors.FeatureViolation(index, "missing geometry")
	}
	if geometry == nil {
		return Feature{}, ingesterrors.FeatureViolation(index, "geometry is null")
	}
	encoded, err := json.Marshal(geometry)
	if err != nil {
		return Feature{}, ingesterrors.FeatureViolation(index, "geometry: %v", err)
	}

	props, _ := obj["properties"].(map[string]any)
	return Feature{
		Type:       TypeFeature,
		Geometry:   encoded,
		Properties: props,
	}, nil
}

func decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, malformed(raw, err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("unexpected data after top-level value")
		}
		return nil, malformed(raw, err)
	}
	return value, nil
}

func malformed(raw []byte, err error) error {
	var syntaxErr *json.SyntaxError
	switch {
	case errors.As(err, &syntaxErr):
		line, col := position(raw, syntaxErr.Offset)
		return ingesterrors.Wrap(ingesterrors.KindMalformedJSON,
			fmt.Sprintf("invalid JSON at line %d, column %d", line, col), err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ingesterrors.Wrap(ingesterrors.KindMalformedJSON, "invalid JSON: unexpected end of input", err)
	default:
		return ingesterrors.Wrap(ingesterrors.KindMalformedJSON, "invalid JSON", err)
	}
}

func position(raw []byte, offset int64) (line, col int) {
	if offset > int64(len(raw)) {
		offset = int64(len(raw))
	}
	line, col = 1, 1
	for _, b := range raw[:offset] {
		if b == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}

func describe(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", t)
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

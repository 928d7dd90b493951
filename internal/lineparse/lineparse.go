// Package lineparse turns instrument text lines into frames.
//
// A line carries arbitrary prefix text (timestamps, log tags) followed by a
// payload of one or more `;`-terminated groups of comma separated numbers:
//
//	0:07:42 [D] -13,-124,333;-13,-124,333;
//
// ANSI SGR escape sequences anywhere in the line are removed first.
package lineparse

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/banshee-data/serialdata/internal/frame"
)

var (
	// ErrNoPayload is returned when a line carries no matrix payload.
	ErrNoPayload = errors.New("no matrix payload")
	// ErrMalformed is returned when a payload cannot be turned into a frame.
	ErrMalformed = errors.New("malformed matrix payload")
)

const number = `[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`

var (
	sgrPattern     = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	payloadPattern = regexp.MustCompile(`(?:` + number + `(?:,` + number + `)*;)+$`)
)

// Normalize strips ANSI SGR escape sequences and surrounding whitespace.
func Normalize(line string) string {
	return strings.TrimSpace(sgrPattern.ReplaceAllString(line, ""))
}

// Payload returns the longest trailing substring of a normalized line that
// matches the payload grammar.
func Payload(line string) (string, bool) {
	loc := payloadPattern.FindStringIndex(line)
	if loc == nil {
		return "", false
	}
	return line[loc[0]:loc[1]], true
}

// Extract parses a normalized line into a frame. Every group becomes one row;
// a single group holding a single value becomes a 1-D frame.
func Extract(line string) (frame.Frame, error) {
	payload, ok := Payload(line)
	if !ok {
		return frame.Frame{}, ErrNoPayload
	}

	var rows [][]float64
	for _, group := range strings.Split(payload, ";") {
		if group == "" {
			continue
		}
		fields := strings.Split(group, ",")
		row := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return frame.Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}

	if len(rows) == 1 && len(rows[0]) == 1 {
		return frame.Vector(rows[0]), nil
	}
	f, err := frame.Matrix(rows)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return f, nil
}

// Parse normalizes a raw line and extracts its frame.
func Parse(raw string) (frame.Frame, error) {
	line := Normalize(raw)
	if line == "" {
		return frame.Frame{}, ErrNoPayload
	}
	return Extract(line)
}

/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package query parses and executes the Percolate query dialect. The first
// token selects the mode (LOOKUP, SEARCH, FUZZY, TRAVERSE, SQL); anything
// unrecognized falls through to validated raw SQL.
package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Mode is the dialect mode selected by the query's first token.
type Mode string

// Dialect modes.
const (
	ModeLookup   Mode = "lookup"
	ModeSearch   Mode = "search"
	ModeFuzzy    Mode = "fuzzy"
	ModeTraverse Mode = "traverse"
	ModeSQL      Mode = "sql"
)

// Sentinel errors for query parsing and validation.
var (
	// ErrEmptyQuery indicates a blank input.
	ErrEmptyQuery = errors.New("query: empty query")
	// ErrBlockedSQL indicates raw SQL containing a blocklisted keyword.
	ErrBlockedSQL = errors.New("blocked SQL keyword")
	// ErrSyntax indicates a malformed dialect query.
	ErrSyntax = errors.New("query: syntax error")
)

// Query is one parsed dialect query.
type Query struct {
	Mode Mode

	// Keys for LOOKUP.
	Keys []string
	// Text for SEARCH and FUZZY; the start key for TRAVERSE.
	Text string

	// SEARCH options.
	Table         string
	Field         string
	MinSimilarity float64

	// FUZZY options.
	Threshold float64

	// TRAVERSE options.
	Depth    int
	Relation string

	// Shared LIMIT.
	Limit int

	// Raw SQL for ModeSQL.
	Raw string
}

// Parse parses a dialect query. Unknown first tokens fall through to raw SQL
// mode, which is validated against the keyword blocklist.
func Parse(input string) (*Query, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, ErrEmptyQuery
	}

	tokens, err := tokenize(trimmed)
	if err != nil {
		return nil, err
	}

	switch strings.ToUpper(tokens[0]) {
	case "LOOKUP":
		return parseLookup(tokens[1:])
	case "SEARCH":
		return parseSearch(tokens[1:])
	case "FUZZY":
		return parseFuzzy(tokens[1:])
	case "TRAVERSE":
		return parseTraverse(tokens[1:])
	case "SQL":
		raw := strings.TrimSpace(trimmed[len(tokens[0]):])
		return parseRawSQL(raw)
	default:
		return parseRawSQL(trimmed)
	}
}

func parseLookup(args []string) (*Query, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: LOOKUP requires at least one key", ErrSyntax)
	}
	q := &Query{Mode: ModeLookup}
	for _, arg := range args {
		for _, key := range strings.Split(arg, ",") {
			if key = strings.TrimSpace(key); key != "" {
				q.Keys = append(q.Keys, key)
			}
		}
	}
	if len(q.Keys) == 0 {
		return nil, fmt.Errorf("%w: LOOKUP requires at least one key", ErrSyntax)
	}
	return q, nil
}

func parseSearch(args []string) (*Query, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: SEARCH requires query text", ErrSyntax)
	}
	q := &Query{Mode: ModeSearch, Text: args[0]}
	return q, parseOptions(args[1:], map[string]func(string) error{
		"FROM":           func(v string) error { q.Table = v; return nil },
		"FIELD":          func(v string) error { q.Field = v; return nil },
		"LIMIT":          intOption(&q.Limit),
		"MIN_SIMILARITY": floatOption(&q.MinSimilarity),
	})
}

func parseFuzzy(args []string) (*Query, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: FUZZY requires query text", ErrSyntax)
	}
	q := &Query{Mode: ModeFuzzy, Text: args[0]}
	return q, parseOptions(args[1:], map[string]func(string) error{
		"THRESHOLD": floatOption(&q.Threshold),
		"LIMIT":     intOption(&q.Limit),
	})
}

func parseTraverse(args []string) (*Query, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: TRAVERSE requires a start key", ErrSyntax)
	}
	q := &Query{Mode: ModeTraverse, Text: args[0], Depth: 1}
	return q, parseOptions(args[1:], map[string]func(string) error{
		"DEPTH": intOption(&q.Depth),
		"TYPE":  func(v string) error { q.Relation = v; return nil },
	})
}

func parseRawSQL(raw string) (*Query, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: SQL requires a statement", ErrSyntax)
	}
	if err := ValidateSQL(raw); err != nil {
		return nil, err
	}
	return &Query{Mode: ModeSQL, Raw: raw}, nil
}

// parseOptions consumes "KEYWORD value" pairs and "keyword=value" kwargs.
func parseOptions(args []string, handlers map[string]func(string) error) error {
	i := 0
	for i < len(args) {
		key, value := args[i], ""
		if eq := strings.IndexByte(key, '='); eq >= 0 {
			key, value = key[:eq], key[eq+1:]
			i++
		} else {
			if i+1 >= len(args) {
				return fmt.Errorf("%w: option %s is missing a value", ErrSyntax, key)
			}
			value = args[i+1]
			i += 2
		}
		handler, ok := handlers[strings.ToUpper(key)]
		if !ok {
			return fmt.Errorf("%w: unknown option %s", ErrSyntax, key)
		}
		if err := handler(value); err != nil {
			return err
		}
	}
	return nil
}

func intOption(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %q is not an integer", ErrSyntax, v)
		}
		*dst = n
		return nil
	}
}

func floatOption(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %q is not a number", ErrSyntax, v)
		}
		*dst = f
		return nil
	}
}

// blockedKeywords are never allowed in raw SQL, regardless of position.
var blockedKeywords = []string{"DROP", "TRUNCATE", "ALTER", "CREATE", "GRANT", "REVOKE"}

// ValidateSQL rejects statements containing blocklisted keywords and DELETE
// without a WHERE clause.
func ValidateSQL(raw string) error {
	words := strings.Fields(strings.ToUpper(raw))
	hasDelete, hasWhere := false, false
	for _, w := range words {
		w = strings.Trim(w, "();,")
		for _, kw := range blockedKeywords {
			if w == kw {
				return fmt.Errorf("%w: %s", ErrBlockedSQL, kw)
			}
		}
		switch w {
		case "DELETE":
			hasDelete = true
		case "WHERE":
			hasWhere = true
		}
	}
	if hasDelete && !hasWhere {
		return fmt.Errorf("%w: DELETE without WHERE", ErrBlockedSQL)
	}
	return nil
}

// tokenize splits input shell-style: whitespace separates tokens, single and
// double quotes group, backslash escapes inside double quotes.
func tokenize(input string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		inToken bool
		quote   rune
	)

	flush := func() {
		if inToken {
			tokens = append(tokens, current.String())
			current.Reset()
			inToken = false
		}
	}

	runes := []rune(input)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == '\\' && quote == '"' && i+1 < len(runes) {
				i++
				current.WriteRune(runes[i])
			} else if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		default:
			inToken = true
			current.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w: unterminated quote", ErrSyntax)
	}
	flush()

	if len(tokens) == 0 {
		return nil, ErrEmptyQuery
	}
	return tokens, nil
}

package sandbox

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/itchyny/gojq"

	"github.com/tombee/cascade/pkg/workflow"
)

// baseEnv returns the pure helper functions available to every script. The
// same set is used at compile time so references type-check, and at run time
// merged with the scope data.
func baseEnv() map[string]interface{} {
	return map[string]interface{}{
		"jq":         jqFunc,
		"jsonEncode": jsonEncodeFunc,
		"jsonDecode": jsonDecodeFunc,
		"toNumber":   toNumberFunc,
		"toString":   toStringFunc,
		"urlEncode":  url.QueryEscape,
		"now":        nowFunc,
		"regexMatch": regexMatchFunc,
		"floor":      math.Floor,
		"ceil":       math.Ceil,
		"round":      math.Round,
		"absNum":     math.Abs,
	}
}

// jqTimeout bounds a single jq() call inside a script.
const jqTimeout = 1 * time.Second

// jqFunc evaluates a jq expression against a value. A single result is
// returned directly; multiple results come back as an array.
func jqFunc(expression string, data interface{}) (interface{}, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("jq parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compile error: %w", err)
	}

	done := make(chan struct{})
	var results []interface{}
	var runErr error
	go func() {
		defer close(done)
		iter := code.Run(workflow.NormalizeValue(data))
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				runErr = err
				return
			}
			results = append(results, v)
		}
	}()

	select {
	case <-done:
	case <-time.After(jqTimeout):
		return nil, fmt.Errorf("jq expression exceeded %v", jqTimeout)
	}

	if runErr != nil {
		return nil, runErr
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func jsonEncodeFunc(v interface{}) (string, error) {
	data, err := json.Marshal(workflow.NormalizeValue(v))
	if err != nil {
		return "", fmt.Errorf("jsonEncode: %w", err)
	}
	return string(data), nil
}

func jsonDecodeFunc(s string) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("jsonDecode: %w", err)
	}
	return v, nil
}

func toNumberFunc(v interface{}) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case int:
		return float64(val), nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("toNumber: %q is not numeric", val)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("toNumber: cannot convert %T", v)
	}
}

func toStringFunc(v interface{}) string {
	return workflow.FormatValue(workflow.NormalizeValue(v))
}

func nowFunc() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// regexMatchFunc is deliberately not named "matches": that token is a
// built-in binary operator in the expression language and a function of the
// same name would fail to parse.
func regexMatchFunc(s, pattern string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("regexMatch: invalid pattern %q: %w", pattern, err)
	}
	return re.MatchString(s), nil
}

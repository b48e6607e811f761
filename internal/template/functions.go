package template

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	maxRandomString = 1000
	maxRepeat       = 1 << 20
	alphanumeric    = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// function is a ${name(args)} helper. arity is the exact number of
// comma-separated arguments; -1 accepts the raw argument text as one argument.
type function struct {
	arity int
	call  func(args []string) (string, error)
}

var functions = map[string]function{
	"uuid":          {0, func([]string) (string, error) { return uuid.NewString(), nil }},
	"timestamp":     {0, func([]string) (string, error) { return strconv.FormatInt(time.Now().Unix(), 10), nil }},
	"timestamp_ms":  {0, func([]string) (string, error) { return strconv.FormatInt(time.Now().UnixMilli(), 10), nil }},
	"now":           {-1, fnNow},
	"random":        {2, fnRandom},
	"random_string": {1, fnRandomString},
	"repeat":        {2, fnRepeat},
}

// Bodies are rendered by many publisher goroutines at once, and the payloads
// only need to vary, so a shared math/rand source behind a mutex is enough.
var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randInt63n(n int64) int64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Int63n(n)
}

// splitCall splits "name(args)" into its parts.
func splitCall(expr string) (name, args string, ok bool) {
	open := strings.IndexByte(expr, '(')
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return "", "", false
	}
	return expr[:open], expr[open+1 : len(expr)-1], true
}

func isFunction(expr string) bool {
	name, _, ok := splitCall(expr)
	if !ok {
		return false
	}
	_, ok = functions[name]
	return ok
}

// evalFunction evaluates a function call. isFunc is false when expr is not a
// call to a known function.
func evalFunction(expr string) (out string, isFunc bool, err error) {
	name, raw, ok := splitCall(expr)
	if !ok {
		return "", false, nil
	}
	fn, ok := functions[name]
	if !ok {
		return "", false, nil
	}

	var args []string
	switch {
	case fn.arity < 0:
		args = []string{strings.TrimSpace(raw)}
	case strings.TrimSpace(raw) != "":
		args = strings.Split(raw, ",")
		for i := range args {
			args[i] = strings.TrimSpace(args[i])
		}
	}
	if fn.arity >= 0 && len(args) != fn.arity {
		return "", true, errors.Errorf("%s() takes %d argument(s), got %d", name, fn.arity, len(args))
	}

	out, err = fn.call(args)
	if err != nil {
		return "", true, errors.Wrapf(err, "%s()", name)
	}
	return out, true, nil
}

// fnNow formats the current time with a Go layout, RFC 3339 by default.
func fnNow(args []string) (string, error) {
	layout := args[0]
	if layout == "" {
		layout = time.RFC3339
	}
	return time.Now().Format(layout), nil
}

// fnRandom returns an integer in [min, max].
func fnRandom(args []string) (string, error) {
	lo, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return "", errors.Wrap(err, "min")
	}
	hi, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return "", errors.Wrap(err, "max")
	}
	if lo > hi {
		return "", errors.Errorf("min %d is greater than max %d", lo, hi)
	}
	return strconv.FormatInt(lo+randInt63n(hi-lo+1), 10), nil
}

func fnRandomString(args []string) (string, error) {
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return "", errors.Wrap(err, "length")
	}
	if n <= 0 || n > maxRandomString {
		return "", errors.Errorf("length must be between 1 and %d", maxRandomString)
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumeric[randInt63n(int64(len(alphanumeric)))]
	}
	return string(b), nil
}

// fnRepeat pads a body to a size: repeat(x,512).
func fnRepeat(args []string) (string, error) {
	if len(args[0]) != 1 {
		return "", errors.Errorf("%q is not a single character", args[0])
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return "", errors.Wrap(err, "count")
	}
	if n < 0 || n > maxRepeat {
		return "", errors.Errorf("count must be between 0 and %d", maxRepeat)
	}
	return strings.Repeat(args[0], n), nil
}

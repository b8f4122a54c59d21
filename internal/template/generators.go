package template

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// generator renders one {{random.*}} or {{timestamp.*}} key. args holds the
// comma-separated values of a call such as int(1,6).
type generator func(rng *rand.Rand, now time.Time, args []string) string

var fakeNames = []string{"John", "Jane", "Bob", "Alice", "Charlie", "Diana", "Eve", "Frank"}

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var randomGenerators = map[string]generator{
	"uuid": func(*rand.Rand, time.Time, []string) string {
		return uuid.NewString()
	},
	"int": func(rng *rand.Rand, _ time.Time, args []string) string {
		if lo, hi, ok := intRange(args); ok {
			return strconv.Itoa(lo + rng.IntN(hi-lo+1))
		}
		return strconv.Itoa(rng.IntN(1000000))
	},
	"float": func(rng *rand.Rand, _ time.Time, args []string) string {
		lo, hi := 0.0, 1000.0
		if len(args) == 2 {
			a, errA := strconv.ParseFloat(args[0], 64)
			b, errB := strconv.ParseFloat(args[1], 64)
			if errA == nil && errB == nil && b > a {
				lo, hi = a, b
			}
		}
		return strconv.FormatFloat(lo+rng.Float64()*(hi-lo), 'f', 2, 64)
	},
	"string": func(rng *rand.Rand, _ time.Time, args []string) string {
		n := 10
		if len(args) == 1 {
			if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
				n = v
			}
		}
		return randomString(rng, n)
	},
	"bool": func(rng *rand.Rand, _ time.Time, _ []string) string {
		return strconv.FormatBool(rng.IntN(2) == 1)
	},
	"email": func(rng *rand.Rand, _ time.Time, _ []string) string {
		return randomString(rng, 8) + "@example.com"
	},
	"name": func(rng *rand.Rand, _ time.Time, _ []string) string {
		return fakeNames[rng.IntN(len(fakeNames))]
	},
	"phone": func(rng *rand.Rand, _ time.Time, _ []string) string {
		return fmt.Sprintf("+1-%03d-%03d-%04d", rng.IntN(1000), rng.IntN(1000), rng.IntN(10000))
	},
}

func unixSeconds(_ *rand.Rand, now time.Time, _ []string) string {
	return strconv.FormatInt(now.Unix(), 10)
}

func layout(l string) generator {
	return func(_ *rand.Rand, now time.Time, _ []string) string {
		return now.Format(l)
	}
}

var timestampGenerators = map[string]generator{
	"":         unixSeconds,
	"unix":     unixSeconds,
	"iso":      layout(time.RFC3339),
	"date":     layout(time.DateOnly),
	"time":     layout(time.TimeOnly),
	"datetime": layout(time.DateTime),
	"unixMilli": func(_ *rand.Rand, now time.Time, _ []string) string {
		return strconv.FormatInt(now.UnixMilli(), 10)
	},
	"unixNano": func(_ *rand.Rand, now time.Time, _ []string) string {
		return strconv.FormatInt(now.UnixNano(), 10)
	},
	"format": func(_ *rand.Rand, now time.Time, args []string) string {
		if len(args) == 0 {
			return unixSeconds(nil, now, nil)
		}
		return now.Format(strings.Join(args, ","))
	},
	"add": func(_ *rand.Rand, now time.Time, args []string) string {
		if len(args) == 1 {
			if d, err := time.ParseDuration(args[0]); err == nil {
				return now.Add(d).Format(time.RFC3339)
			}
		}
		return unixSeconds(nil, now, nil)
	},
}

// generate looks key up in table; unknown random keys render empty, unknown
// timestamp keys as Unix seconds
func (e *Engine) generate(table map[string]generator, key string, fallback generator) string {
	name, args := splitCall(key)
	gen, ok := table[name]
	if !ok {
		gen = fallback
	}
	if gen == nil {
		return ""
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return gen(e.rng, time.Now(), args)
}

// splitCall splits "int(1, 6)" into "int" and ["1" "6"]. A key without
// parentheses, or with empty ones, has no args.
func splitCall(key string) (string, []string) {
	open := strings.IndexByte(key, '(')
	if open < 0 || !strings.HasSuffix(key, ")") {
		return key, nil
	}

	name, inner := key[:open], strings.TrimSpace(key[open+1:len(key)-1])
	if inner == "" {
		return name, nil
	}
	args := strings.Split(inner, ",")
	for i := range args {
		args[i] = strings.TrimSpace(args[i])
	}
	return name, args
}

func intRange(args []string) (lo, hi int, ok bool) {
	if len(args) != 2 {
		return 0, 0, false
	}
	lo, errLo := strconv.Atoi(args[0])
	hi, errHi := strconv.Atoi(args[1])
	return lo, hi, errLo == nil && errHi == nil && hi > lo
}

func randomString(rng *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumeric[rng.IntN(len(alphanumeric))]
	}
	return string(b)
}

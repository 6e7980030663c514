// Package template expands `{{placeholder}}` markers in configuration
// strings, mainly output file paths. Supported placeholders:
//
//	{{cwd}}        current working directory
//	{{home}}       user's home directory
//	{{user}}       current username
//	{{date}}       current date (2006-01-02)
//	{{time}}       current time (15-04-05)
//	{{timestamp}}  current unix timestamp, seconds
//	{{uuid}}       random UUID
//	{{random}}     random uint32
//	{{random:N}}   random alphanumeric string of length N
//	{{hostname}}   host name
//	{{env:VAR}}    environment variable VAR
package template

import (
	"fmt"
	"math/rand"
	"os"
	"os/user"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var markerRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

const randomAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Expand replaces every known placeholder in s. Unknown placeholders are
// left intact; a placeholder whose value cannot be resolved (missing env
// var, no home dir) is an error.
func Expand(s string) (string, error) {
	return expandAt(s, time.Now())
}

func expandAt(s string, now time.Time) (string, error) {
	var expandErr error

	out := markerRe.ReplaceAllStringFunc(s, func(match string) string {
		if expandErr != nil {
			return match
		}
		name := strings.TrimSuffix(strings.TrimPrefix(match, "{{"), "}}")

		value, ok, err := resolve(name, now)
		if err != nil {
			expandErr = err
			return match
		}
		if !ok {
			return match
		}
		return value
	})

	if expandErr != nil {
		return "", expandErr
	}
	return out, nil
}

func resolve(name string, now time.Time) (string, bool, error) {
	switch name {
	case "cwd":
		wd, err := os.Getwd()
		if err != nil {
			return "", false, fmt.Errorf("template: resolve {{cwd}}: %w", err)
		}
		return wd, true, nil
	case "home":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", false, fmt.Errorf("template: resolve {{home}}: %w", err)
		}
		return home, true, nil
	case "user":
		u, err := user.Current()
		if err != nil {
			return "", false, fmt.Errorf("template: resolve {{user}}: %w", err)
		}
		return u.Username, true, nil
	case "date":
		return now.Format("2006-01-02"), true, nil
	case "time":
		// colons are hostile to file paths
		return now.Format("15-04-05"), true, nil
	case "timestamp":
		return strconv.FormatInt(now.Unix(), 10), true, nil
	case "uuid":
		return uuid.NewString(), true, nil
	case "random":
		return strconv.FormatUint(uint64(rand.Uint32()), 10), true, nil
	case "hostname":
		host, err := os.Hostname()
		if err != nil {
			return "", false, fmt.Errorf("template: resolve {{hostname}}: %w", err)
		}
		return host, true, nil
	}

	if n, ok := strings.CutPrefix(name, "random:"); ok {
		length, err := strconv.Atoi(n)
		if err != nil || length < 0 {
			return "", false, nil
		}
		b := make([]byte, length)
		for i := range b {
			b[i] = randomAlphabet[rand.Intn(len(randomAlphabet))]
		}
		return string(b), true, nil
	}

	if varName, ok := strings.CutPrefix(name, "env:"); ok {
		value, found := os.LookupEnv(varName)
		if !found {
			return "", false, fmt.Errorf("template: environment variable %q not set", varName)
		}
		return value, true, nil
	}

	// Unknown marker, keep as-is
	return "", false, nil
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gosimple/slug"
	"golang.org/x/text/unicode/norm"

	"github.com/Kethsar/twitcharchive/internal/logging"
	"github.com/Kethsar/twitcharchive/internal/twitch"
)

// If we run into file length issues, chances are the max file name length is around 255 bytes.
// Seems Go automatically converts to long paths for Windows so we only have to worry about the
// actual file name. The longest suffix we add is ".part-FragNNNNN-unmuted".
const MaxFileNameLength = 230

// Keys that make no sense in a file name.
var FilenameFormatBlacklist = []string{
	"description",
}

var fnameReplacer = strings.NewReplacer(
	"<", "＜",
	">", "＞",
	":", "：",
	`"`, "″",
	"/", "⧸",
	"\\", "⧹",
	"|", "｜",
	"?", "？",
	"*", "＊",
)

var pythonMapKey = regexp.MustCompile(`%\((\w+)\)s`)

// Remove any illegal filename chars
func SterilizeFilename(s string) string {
	return fnameReplacer.Replace(s)
}

// RestrictFilename reduces s to lowercase ASCII words joined by dashes.
func RestrictFilename(s string) string {
	return slug.Make(s)
}

// GetUserInput reads one line from stdin. Cancelling ctx gives up on it.
func GetUserInput(ctx context.Context, prompt string) string {
	inputChan := make(chan string, 1)

	fmt.Fprint(os.Stderr, prompt)
	go func() {
		var input string
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			input = strings.TrimSpace(scanner.Text())
		}
		inputChan <- input
	}()

	select {
	case input := <-inputChan:
		return input
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr)
		return ""
	}
}

// Very dirty Python string formatter. Requires map keys i.e. "%(key)s"
// Throws an error if a map key is not in vals.
// This is NOT how to do a parser haha
func FormatPythonMapString(format string, vals map[string]string) (string, error) {
	for {
		match := pythonMapKey.FindStringSubmatch(format)
		if match == nil {
			return format, nil
		}

		key := strings.ToLower(match[1])
		val, ok := vals[key]
		if !ok {
			return "", fmt.Errorf("unknown output format key: '%s'", key)
		}

		format = strings.ReplaceAll(format, match[0], val)
	}
}

// FormatFilename expands format with vals made safe for a file name. The
// title is truncated if the resulting name is too long.
func FormatFilename(format string, vals map[string]string, restrict bool) (string, error) {
	fnameVals := make(map[string]string, len(vals))

	for k, v := range vals {
		if Contains(FilenameFormatBlacklist, k) {
			fnameVals[k] = ""
			continue
		}

		v = norm.NFC.String(v)
		if restrict && k != "ext" {
			v = RestrictFilename(v)
		}
		fnameVals[k] = SterilizeFilename(v)
	}

	fstr, err := FormatPythonMapString(format, fnameVals)
	if err != nil {
		return fstr, err
	}

	fnameLen := len(filepath.Base(fstr))
	if fnameLen > MaxFileNameLength {
		logging.Warn("Formatted filename is too long. Truncating the title to try and fix.")
		bytesOver := fnameLen - MaxFileNameLength
		title := fnameVals["title"]
		truncateLen := len(title) - bytesOver
		if truncateLen < 0 {
			truncateLen = 0
		}
		fnameVals["title"] = TruncateString(title, truncateLen)
		fstr, err = FormatPythonMapString(format, fnameVals)
	}

	return fstr, err
}

// OutputPath expands the output template and creates its directory.
func OutputPath(format string, vals map[string]string, restrict bool) (string, error) {
	fullFPath, err := FormatFilename(format, vals, restrict)
	if err != nil {
		return "", err
	}

	fdir := filepath.Dir(fullFPath)
	if !strings.HasPrefix(format, string(os.PathSeparator)) {
		fdir = strings.TrimLeft(fdir, string(os.PathSeparator))
	}
	if len(strings.TrimSpace(fdir)) == 0 {
		fdir = "."
	}

	fname := filepath.Base(fullFPath)
	if strings.HasPrefix(fname, "-") {
		fname = "_" + fname
	}

	if fname == "." || len(strings.TrimSpace(fname)) == 0 {
		return "", fmt.Errorf("output file name appears to be empty after formatting: %s", fullFPath)
	}

	if fdir != "." {
		if err := os.MkdirAll(fdir, 0755); err != nil {
			logging.Warn("Error creating final file directory: %s", err)
			logging.Warn("The final file will be placed in the current working directory")
			fdir = "."
		}
	}

	return filepath.Join(fdir, fname), nil
}

// Case insensitive search. Naive linear
func Contains(arr []string, val string) bool {
	val = strings.ToLower(strings.TrimSpace(val))

	for _, s := range arr {
		if strings.ToLower(strings.TrimSpace(s)) == val {
			return true
		}
	}

	return false
}

// Truncate the given string to be no more than the given number of bytes.
// Returned string may be less than maxBytes depending on the size of characters
// in the given string.
func TruncateString(s string, maxBytes int) string {
	var b strings.Builder
	r := strings.NewReader(s)
	curLen := 0
	b.Grow(r.Len())

	for {
		char, size, err := r.ReadRune()
		if err != nil {
			break
		}

		curLen += size
		if curLen > maxBytes {
			break
		}

		b.WriteRune(char)
	}

	return b.String()
}

// MakeFormatList renders formats one per line, best first.
func MakeFormatList(formats []twitch.Format) string {
	var b strings.Builder
	for _, f := range formats {
		b.WriteString(f.String())
		b.WriteByte('\n')
	}
	return b.String()
}

package logging

import (
	"fmt"
	"log"
	"os"
	"sync"
)

const (
	LevelQuiet = iota
	LevelError
	LevelWarning
	LevelInfo
	LevelDebug
	LevelTrace
)

var (
	level = LevelWarning

	statusMu sync.RWMutex
	status   string
)

func SetLevel(l int) {
	level = l
}

func Level() int {
	return level
}

func Enabled(l int) bool {
	return level >= l
}

func format(f string, args []interface{}) string {
	if len(args) > 0 {
		return fmt.Sprintf(f, args...)
	}
	return f
}

/*
Logging functions;
ansi sgr 0=reset, 1=bold, while 3x sets the foreground color:
0black 1red 2green 3yellow 4blue 5magenta 6cyan 7white
*/
func General(f string, args ...interface{}) {
	if level >= LevelError {
		log.Print(format(f, args))
	}
}

func Error(f string, args ...interface{}) {
	if level >= LevelError {
		log.Printf("ERROR: \033[31m%s\033[0m\033[K", format(f, args))
	}
}

func Warn(f string, args ...interface{}) {
	if level >= LevelWarning {
		log.Printf("WARNING: \033[33m%s\033[0m\033[K", format(f, args))
	}
}

func Info(f string, args ...interface{}) {
	if level >= LevelInfo {
		log.Printf("INFO: \033[32m%s\033[0m\033[K", format(f, args))
	}
}

func Debug(f string, args ...interface{}) {
	if level >= LevelDebug {
		log.Printf("DEBUG: \033[36m%s\033[0m\033[K", format(f, args))
	}
}

func Trace(f string, args ...interface{}) {
	if level >= LevelTrace {
		log.Printf("TRACE: \033[35m%s\033[0m\033[K", format(f, args))
	}
}

// SetStatus replaces the single progress line and prints it.
func SetStatus(s string) {
	statusMu.Lock()
	defer statusMu.Unlock()
	status = s
	printStatusWithoutLock()
}

// PrintStatus reprints the progress line, usually after a log line pushed it up.
func PrintStatus() {
	statusMu.RLock()
	defer statusMu.RUnlock()
	printStatusWithoutLock()
}

func printStatusWithoutLock() {
	if level >= LevelError && len(status) > 0 {
		fmt.Fprint(os.Stderr, status)
	}
}

const (
	_           = iota
	KiB float64 = 1 << (10 * iota)
	MiB
	GiB
)

// Pretty formatting of byte count
func FormatSize(bsize int64) string {
	bsFloat := float64(bsize)

	switch {
	case bsFloat >= GiB:
		return fmt.Sprintf("%.2fGiB", bsFloat/GiB)
	case bsFloat >= MiB:
		return fmt.Sprintf("%.2fMiB", bsFloat/MiB)
	case bsFloat >= KiB:
		return fmt.Sprintf("%.2fKiB", bsFloat/KiB)
	}
	return fmt.Sprintf("%dB", bsize)
}

// Package logflags routes the optional debug logging of the decoder
// layers. Each layer has an on/off flag set from the --log-output
// command line option; loggers for disabled layers are still handed
// out but never emit.
package logflags

import (
	"errors"
	"io/ioutil"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var elfFlag = false
var dwarfFlag = false
var frameFlag = false
var unwind = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Out = os.Stderr
	logger.Logger.Formatter = &logrus.TextFormatter{
		DisableColors: !isatty.IsTerminal(os.Stderr.Fd()),
	}
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Elf returns true if the ELF parser should log.
func Elf() bool {
	return elfFlag
}

// ElfLogger returns a logger for the ELF parser.
func ElfLogger() *logrus.Entry {
	return makeLogger(elfFlag, logrus.Fields{"layer": "elf"})
}

// Dwarf returns true if the DWARF decoders should log recoverable
// errors.
func Dwarf() bool {
	return dwarfFlag
}

// DwarfLogger returns a logger for the DWARF decoders.
func DwarfLogger() *logrus.Entry {
	return makeLogger(dwarfFlag, logrus.Fields{"layer": "dwarf"})
}

// Frame returns true if the frame table decoder should log.
func Frame() bool {
	return frameFlag
}

// FrameLogger returns a logger for the frame table decoder.
func FrameLogger() *logrus.Entry {
	return makeLogger(frameFlag, logrus.Fields{"layer": "frame"})
}

// Unwind returns true if the unwinder should log.
func Unwind() bool {
	return unwind
}

// UnwindLogger returns a logger for the unwinder.
func UnwindLogger() *logrus.Entry {
	return makeLogger(unwind, logrus.Fields{"layer": "unwind"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the layer flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "unwind"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "elf":
			elfFlag = true
		case "dwarf":
			dwarfFlag = true
		case "frame":
			frameFlag = true
		case "unwind":
			unwind = true
		}
	}
	return nil
}

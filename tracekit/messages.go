package tracekit

import "fmt"

// Messages is the stable catalog of human-readable message formats the
// engine attaches to StatusMessage.Description.Format. Callers that need
// to match on a specific failure mode (tests included) compare against
// these constants rather than formatted strings.
var Messages = struct {
	SourceFileAmbiguous       string
	SourceFileNotFound        string
	UnsupportedExtension      string
	InvalidLineNumber         string
	ConditionCompileError     string
	ExpressionCompileError    string
	OnlyFirstNProperties      string
	SnapshotExpired           string
	FrameNotExpanded          string
	ValueHazardous            string
	ValueUnreadable           string
}{
	SourceFileAmbiguous:    "SOURCE_FILE_AMBIGUOUS",
	SourceFileNotFound:     "SOURCE_FILE_NOT_FOUND",
	UnsupportedExtension:   "UNSUPPORTED_EXTENSION",
	InvalidLineNumber:      "INVALID_LINE_NUMBER",
	ConditionCompileError:  "Error compiling condition.",
	ExpressionCompileError: "Error Compiling Expression",
	OnlyFirstNProperties:   "Only first %d properties were captured",
	SnapshotExpired:        "The snapshot has expired",
	FrameNotExpanded:       "Frame was not expanded",
	ValueHazardous:         "Value could not be read without invoking user code",
	ValueUnreadable:        "Value could not be read",
}

// invalidLineNumber formats the INVALID_LINE_NUMBER message with the
// required "<basename>:<line>" substring.
func invalidLineNumber(basename string, line int32) Description {
	return Description{
		Format:     fmt.Sprintf("%s: %s:%d", Messages.InvalidLineNumber, basename, line),
		Parameters: []string{basename, fmt.Sprintf("%d", line)},
	}
}

func onlyFirstN(n int) Description {
	return Description{
		Format:     Messages.OnlyFirstNProperties,
		Parameters: []string{fmt.Sprintf("%d", n)},
	}
}

func staticDescription(format string) Description {
	return Description{Format: format}
}

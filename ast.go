package smak

// AssignOp identifies the assignment operator of a variable assignment.
type AssignOp int

const (
	OpRecursive AssignOp = iota // =
	OpSimple                    // :=
	OpCondSet                   // ?=
	OpAppend                    // +=
)

// RuleStmt is a parsed rule header and its recipe, as handed to the rule
// database. Prerequisite text is kept unexpanded; expansion is deferred
// until resolution so that prerequisites may reference variables assigned
// later in the file.
type RuleStmt struct {
	Targets       []string // expanded at registration
	PrereqText    string   // raw
	OrderOnlyText string   // raw, after |
	Recipe        []string // verbatim, tab stripped, prefix flags intact
	DoubleColon   bool
	TargetPattern string // static-pattern rules: targets : target-pattern : prereq-pattern
	File          string
	Line          int
}

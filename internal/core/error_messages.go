package core

// # Error Codes Reference
//
// User-facing messages with codes for support reference. The refresh,
// query and export endpoints return the code alongside the message so an
// operator can quote it when asking for help.
//
// # Configuration Errors (CFG001-CFG099)
//
//	CFG001 - Unknown column: A rule or plan names a column that does not exist
//	         Action: Fix the rules file or the registered plan and rerun
//	CFG002 - Unknown table: A rule or plan names a table that is not extracted
//	         Action: Fix the rules file or register the source table
//	CFG003 - Invalid definition: A rule or plan is malformed
//	         Action: Check the rule kind and its parameters
//	CFG004 - Dependency cycle: Dimension dependencies form a cycle
//	         Action: Check DependsOn of the dimension plans
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate key: A row with this key already exists in the target
//	DB002 - Unique constraint: A value must be unique but already exists
//	DB003 - Foreign key: A referenced row does not exist
//	DB004 - Connection refused: Unable to connect to a database
//	DB005 - Connection reset: The database connection was interrupted
//	DB006 - Timeout: Operation timed out
//	DB007 - Deadlock: The database was busy with conflicting operations
//	DB008 - Numeric overflow: A value does not fit its target column
//
// # Run Control (RUN001-RUN099)
//
//	RUN001 - Run in progress: Another pipeline run is active
//	RUN002 - Request cancelled: The run was cancelled
//	RUN003 - Request timeout: The run exceeded its deadline
//	RUN004 - Invalid mode: The requested mode is not reset or incremental
//	RUN005 - Confirmation required: A reset needs explicit confirmation
//	RUN006 - No runs: No run has been recorded since startup
//
// # Query Errors (QRY001-QRY099)
//
//	QRY001 - Invalid query: The query request is malformed
//	QRY002 - Unknown column: The query names an unknown column
//	QRY003 - Unsupported: The target store does not support this operation
//
// # Stage Errors (STG001-STG099)
//
//	STG001 - Stage failed: A pipeline stage failed; earlier stages committed
//
// # Requests (REQ001)
//
//	REQ001 - Malformed body: The request body is not the expected JSON
//
// # Rate Limiting (RATE001)
//
//	RATE001 - Rate limited: Too many requests
//
// # Default Error (ERR000)
//
//	ERR000 - Unknown error: An unexpected error occurred
//
// # Matching
//
// Typed errors are classified first (run in progress, configuration and
// connectivity kinds). Everything else is matched case-insensitively with
// strings.Contains against errorPatterns; the first match wins, so more
// specific patterns come before general ones. STG001 is the fallback for a
// StageError whose cause matches nothing more specific.

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

var (
	msgRunInProgress = UserMessage{
		Message: "Another pipeline run is in progress",
		Action:  "Wait for the current run to finish, then try again",
		Code:    "RUN001",
	}
	msgUnknownColumn = UserMessage{
		Message: "A rule or plan references a column that does not exist",
		Action:  "Fix the rules file or the registered plan and rerun",
		Code:    "CFG001",
	}
	msgUnknownTable = UserMessage{
		Message: "A rule or plan references a table that is not extracted",
		Action:  "Fix the rules file or register the source table",
		Code:    "CFG002",
	}
	msgInvalidDefinition = UserMessage{
		Message: "A cleansing rule or load plan is malformed",
		Action:  "Check the rule kind and its parameters",
		Code:    "CFG003",
	}
	msgConnection = UserMessage{
		Message: "Unable to connect to database",
		Action:  "Check that the source and target stores are reachable, then rerun",
		Code:    "DB004",
	}
	msgStageFailed = UserMessage{
		Message: "A pipeline stage failed",
		Action:  "Review the run report; rerunning is safe because loads are idempotent",
		Code:    "STG001",
	}
)

// errorPatterns maps technical error patterns (case-insensitive) to user messages.
var errorPatterns = []errorPattern{
	// Configuration
	{pattern: "dependencies form a cycle", msg: UserMessage{
		Message: "Dimension dependencies form a cycle",
		Action:  "Check DependsOn of the dimension plans",
		Code:    "CFG004",
	}},

	// Database constraints
	{pattern: "duplicate key", msg: UserMessage{
		Message: "A row with this key already exists in the target",
		Action:  "Run in reset mode or check the target for rows written outside the pipeline",
		Code:    "DB001",
	}},
	{pattern: "unique constraint", msg: UserMessage{
		Message: "This value must be unique but already exists",
		Action:  "Check the target for rows written outside the pipeline",
		Code:    "DB002",
	}},
	{pattern: "violates unique", msg: UserMessage{
		Message: "This value must be unique but already exists",
		Action:  "Check the target for rows written outside the pipeline",
		Code:    "DB002",
	}},
	{pattern: "foreign key", msg: UserMessage{
		Message: "Referenced row does not exist",
		Action:  "Load the parent tables first or run in reset mode",
		Code:    "DB003",
	}},

	// Connectivity
	{pattern: "connection refused", msg: msgConnection},
	{pattern: "unable to open tcp connection", msg: msgConnection},
	{pattern: "connection reset", msg: UserMessage{
		Message: "Database connection was interrupted",
		Action:  "Please try again",
		Code:    "DB005",
	}},
	{pattern: "deadlock", msg: UserMessage{
		Message: "Database was busy with conflicting operations",
		Action:  "Please try again",
		Code:    "DB007",
	}},
	{pattern: "out of range", msg: UserMessage{
		Message: "A value does not fit its target column",
		Action:  "Check range rules for the affected measure",
		Code:    "DB008",
	}},
	{pattern: "arithmetic overflow", msg: UserMessage{
		Message: "A value does not fit its target column",
		Action:  "Check range rules for the affected measure",
		Code:    "DB008",
	}},

	// Run control
	{pattern: "context canceled", msg: UserMessage{
		Message: "Run was cancelled",
		Action:  "Start a new run when ready",
		Code:    "RUN002",
	}},
	{pattern: "context deadline exceeded", msg: UserMessage{
		Message: "Run timed out",
		Action:  "Increase PIPELINE_TIMEOUT or try again",
		Code:    "RUN003",
	}},
	{pattern: "unknown mode", msg: UserMessage{
		Message: "Unknown run mode",
		Action:  "Use reset or incremental",
		Code:    "RUN004",
	}},
	{pattern: "confirmation required", msg: UserMessage{
		Message: "Reset requires confirmation",
		Action:  "Pass confirm RESET to clear the analytical store",
		Code:    "RUN005",
	}},
	{pattern: "timeout", msg: UserMessage{
		Message: "Operation timed out",
		Action:  "Please try again later",
		Code:    "DB006",
	}},

	// Query
	{pattern: "unknown column", msg: UserMessage{
		Message: "Query references an unknown column",
		Action:  "Use FactSales columns or Dim<Entity>.<Column>",
		Code:    "QRY002",
	}},
	{pattern: "invalid query", msg: UserMessage{
		Message: "Query request is malformed",
		Action:  "Check select, group_by and filters",
		Code:    "QRY001",
	}},
	{pattern: "not supported", msg: UserMessage{
		Message: "Operation not supported by the target store",
		Action:  "Use a target driver that supports queries",
		Code:    "QRY003",
	}},

	// Requests
	{pattern: "invalid request body", msg: UserMessage{
		Message: "Request body is malformed",
		Action:  "Send a JSON object with the documented fields",
		Code:    "REQ001",
	}},

	// Rate limiting
	{pattern: "rate limit", msg: UserMessage{
		Message: "Too many requests",
		Action:  "Please wait a moment before trying again",
		Code:    "RATE001",
	}},
}

// defaultMessage is returned when no specific error pattern matches.
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// Returns an empty UserMessage if err is nil.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	if errors.Is(err, ErrRunInProgress) {
		return msgRunInProgress
	}

	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		switch {
		case errors.Is(cfg, ErrUnknownColumn):
			return msgUnknownColumn
		case errors.Is(cfg, ErrUnknownTable):
			return msgUnknownTable
		case strings.Contains(strings.ToLower(cfg.Reason), "cycle"):
			break
		default:
			return msgInvalidDefinition
		}
	}

	var conn *ConnectivityError
	if errors.As(err, &conn) {
		return msgConnection
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	var stage *StageError
	if errors.As(err, &stage) {
		return msgStageFailed
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user-facing message.
type UserError struct {
	Technical error       // Original technical error for logging
	User      UserMessage // User-friendly message for display
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err to a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}

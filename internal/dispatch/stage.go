package dispatch

// Stage is a step of the request lifecycle. Stages run in declaration order;
// StageDone and StageError are terminal.
type Stage int

const (
	StageStart Stage = iota
	StageAuthenticate
	StageCheckPermissions
	StageThrottle
	StageParseContent
	StageInvokeHandler
	StageRender
	StageDone
	StageError
)

var stageNames = [...]string{
	StageStart:            "start",
	StageAuthenticate:     "authenticate",
	StageCheckPermissions: "check_permissions",
	StageThrottle:         "throttle",
	StageParseContent:     "parse_content",
	StageInvokeHandler:    "invoke_handler",
	StageRender:           "render",
	StageDone:             "done",
	StageError:            "error",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// Terminal reports whether no stage follows s.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageError
}

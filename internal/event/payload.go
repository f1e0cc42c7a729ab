package event

import (
	"path/filepath"
	"strings"
	"time"
)

// FileOp is the operation observed by a file watcher.
type FileOp string

const (
	FileCreate FileOp = "create"
	FileModify FileOp = "modify"
	FileDelete FileOp = "delete"
	FileRename FileOp = "rename"
	FileSave   FileOp = "save"
)

// FilePayload describes a file-system change. OldPath is set only for renames.
type FilePayload struct {
	Op          FileOp
	Path        string
	FileType    string
	OldPath     string
	ContentHash string
	Size        int64
}

func (FilePayload) Kind() Kind { return KindFile }

// FileTypeOf derives a short file type from the path extension.
func FileTypeOf(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "unknown"
	}
	return strings.ToLower(ext)
}

// Comparator for threshold descriptors.
type Comparator string

const (
	CmpGt  Comparator = ">"
	CmpLt  Comparator = "<"
	CmpGte Comparator = ">="
	CmpLte Comparator = "<="
	CmpEq  Comparator = "=="
	CmpNeq Comparator = "!="
)

// Threshold describes the boundary a metric crossed.
type Threshold struct {
	Value      float64
	Comparator Comparator
	Duration   time.Duration
}

// MetricThresholdPayload reports a metric crossing a threshold.
type MetricThresholdPayload struct {
	MetricName string
	Value      float64
	Threshold  Threshold
	Tags       map[string]string
}

func (MetricThresholdPayload) Kind() Kind { return KindMetricThreshold }

// SystemPayload reports a component status change.
type SystemPayload struct {
	Component        string
	Status           string
	Details          string
	AffectedServices []string
}

func (SystemPayload) Kind() Kind { return KindSystem }

// GitPayload reports repository activity.
type GitPayload struct {
	Repository   string
	Branch       string
	CommitHash   string
	Author       string
	Message      string
	FilesChanged []string
}

func (GitPayload) Kind() Kind { return KindGit }

// BuildPayload reports a build outcome.
type BuildPayload struct {
	Project   string
	BuildID   string
	Type      string
	Duration  time.Duration
	Artifacts []string
	Errors    []string
}

func (BuildPayload) Kind() Kind { return KindBuild }

// DependencyPayload reports a package version change.
type DependencyPayload struct {
	Package         string
	Version         string
	PreviousVersion string
	Ecosystem       string
	Vulnerabilities []string
}

func (DependencyPayload) Kind() Kind { return KindDependency }

// LifecycleAction is a container runtime action.
type LifecycleAction string

const (
	ActionCreate       LifecycleAction = "create"
	ActionStart        LifecycleAction = "start"
	ActionStop         LifecycleAction = "stop"
	ActionRestart      LifecycleAction = "restart"
	ActionDie          LifecycleAction = "die"
	ActionKill         LifecycleAction = "kill"
	ActionPause        LifecycleAction = "pause"
	ActionUnpause      LifecycleAction = "unpause"
	ActionDestroy      LifecycleAction = "destroy"
	ActionHealthStatus LifecycleAction = "health_status"
)

// LifecyclePayload reports a container lifecycle transition. ExitCode and
// Signal are meaningful only for terminal actions (die, kill).
type LifecyclePayload struct {
	ContainerID   string
	ContainerName string
	Image         string
	Action        LifecycleAction
	Timestamp     time.Time
	ExitCode      *int
	Signal        string
}

func (LifecyclePayload) Kind() Kind { return KindLifecycle }

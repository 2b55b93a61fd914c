package pipeline

// State is a step of the run state machine. Forward states run in order;
// any failure jumps to Cleaning, which is always followed by Done.
type State int

const (
	Fetching State = iota
	Building
	Testing
	Publishing
	Cleaning
	Done
)

var stateNames = [...]string{"Fetching", "Building", "Testing", "Publishing", "Cleaning", "Done"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Stage names as recorded in run results.
const (
	StageClone   = "clone"
	StageBuild   = "build"
	StageTest    = "test"
	StageArchive = "archive"
	StageCleanup = "cleanup"
)

// Stages lists the stages in execution order.
var Stages = []string{StageClone, StageBuild, StageTest, StageArchive, StageCleanup}

// stageState maps each stage to the state it runs in.
var stageState = map[string]State{
	StageClone:   Fetching,
	StageBuild:   Building,
	StageTest:    Testing,
	StageArchive: Publishing,
	StageCleanup: Cleaning,
}

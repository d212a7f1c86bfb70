package gap

import "strings"

// Phase is the ordinal delivery phase a task's dominant verb belongs to.
// Distance between phases is meaningful: research(1) → deploy(6) is a
// bigger jump than build(4) → test(5).
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseResearch
	PhaseDesign
	PhasePlan
	PhaseBuild
	PhaseTest
	PhaseDeploy
	PhaseMonitor
)

func (p Phase) String() string {
	switch p {
	case PhaseResearch:
		return "research"
	case PhaseDesign:
		return "design"
	case PhasePlan:
		return "plan"
	case PhaseBuild:
		return "build"
	case PhaseTest:
		return "test"
	case PhaseDeploy:
		return "deploy"
	case PhaseMonitor:
		return "monitor"
	}
	return "unknown"
}

// Domain is the skill area a task draws on.
type Domain string

const (
	DomainUnknown  Domain = ""
	DomainStrategy Domain = "strategy"
	DomainDesign   Domain = "design"
	DomainFrontend Domain = "frontend"
	DomainBackend  Domain = "backend"
	DomainQA       Domain = "qa"
)

var phaseKeywords = map[string]Phase{
	"research":    PhaseResearch,
	"investigate": PhaseResearch,
	"explore":     PhaseResearch,
	"analyze":     PhaseResearch,
	"study":       PhaseResearch,
	"interview":   PhaseResearch,

	"design":    PhaseDesign,
	"mockup":    PhaseDesign,
	"mockups":   PhaseDesign,
	"wireframe": PhaseDesign,
	"sketch":    PhaseDesign,
	"prototype": PhaseDesign,

	"plan":     PhasePlan,
	"define":   PhasePlan,
	"scope":    PhasePlan,
	"outline":  PhasePlan,
	"schedule": PhasePlan,

	"build":     PhaseBuild,
	"implement": PhaseBuild,
	"develop":   PhaseBuild,
	"create":    PhaseBuild,
	"code":      PhaseBuild,
	"write":     PhaseBuild,
	"integrate": PhaseBuild,

	"test":     PhaseTest,
	"verify":   PhaseTest,
	"validate": PhaseTest,
	"review":   PhaseTest,
	"audit":    PhaseTest,

	"deploy":  PhaseDeploy,
	"launch":  PhaseDeploy,
	"ship":    PhaseDeploy,
	"release": PhaseDeploy,
	"publish": PhaseDeploy,
	"rollout": PhaseDeploy,

	"monitor":  PhaseMonitor,
	"measure":  PhaseMonitor,
	"track":    PhaseMonitor,
	"observe":  PhaseMonitor,
	"maintain": PhaseMonitor,
}

var domainKeywords = map[string]Domain{
	"strategy":  DomainStrategy,
	"goal":      DomainStrategy,
	"goals":     DomainStrategy,
	"vision":    DomainStrategy,
	"roadmap":   DomainStrategy,
	"objective": DomainStrategy,
	"launch":    DomainStrategy,
	"market":    DomainStrategy,
	"budget":    DomainStrategy,

	"design":    DomainDesign,
	"mockup":    DomainDesign,
	"mockups":   DomainDesign,
	"wireframe": DomainDesign,
	"ui":        DomainDesign,
	"ux":        DomainDesign,
	"branding":  DomainDesign,

	"frontend":   DomainFrontend,
	"page":       DomainFrontend,
	"component":  DomainFrontend,
	"css":        DomainFrontend,
	"responsive": DomainFrontend,
	"browser":    DomainFrontend,

	"backend":   DomainBackend,
	"api":       DomainBackend,
	"database":  DomainBackend,
	"server":    DomainBackend,
	"schema":    DomainBackend,
	"endpoint":  DomainBackend,
	"migration": DomainBackend,

	"qa":         DomainQA,
	"test":       DomainQA,
	"tests":      DomainQA,
	"testing":    DomainQA,
	"bug":        DomainQA,
	"regression": DomainQA,
	"coverage":   DomainQA,
}

// classifyPhase returns the phase of the first keyword appearing in the
// task text, treating the earliest match as the dominant verb.
func classifyPhase(text string) Phase {
	for _, word := range tokenize(text) {
		if p, ok := phaseKeywords[word]; ok {
			return p
		}
	}
	return PhaseUnknown
}

// classifyDomain returns the skill domain of the first keyword appearing
// in the task text.
func classifyDomain(text string) Domain {
	for _, word := range tokenize(text) {
		if d, ok := domainKeywords[word]; ok {
			return d
		}
	}
	return DomainUnknown
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

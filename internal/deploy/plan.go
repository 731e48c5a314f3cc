package deploy

import (
	"fmt"
	"sort"
	"time"

	"github.com/peleka/peleka/internal/config"
	"github.com/peleka/peleka/internal/model"
	"github.com/peleka/peleka/internal/runtime"
)

// ProbeSpec is the resolved health probe configuration.
type ProbeSpec struct {
	Cmd         []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// Plan is the resolved per-host desired state. It is computed once at the
// start of a host's state machine and immutable thereafter.
type Plan struct {
	Service       model.ServiceName
	Image         string
	DeployID      string
	ContainerName string
	Color         model.Color
	Generation    int

	// Live is the current live container, nil on a first deploy.
	Live *runtime.ContainerSummary
	// OldPrevious is a previous container left by an earlier deploy; only
	// one previous is retained, so it is removed just before the new
	// container is created (the two share a name).
	OldPrevious *runtime.ContainerSummary
	// Garbage is leftover containers from interrupted runs (stale pending,
	// surplus roles) removed under the lock before pulling.
	Garbage []runtime.ContainerSummary

	Env     map[string]string
	Labels  map[string]string
	Ports   []string
	Volumes []string
	Command []string

	Memory         string
	CPUs           string
	Network        string
	NetworkAliases []string
	Restart        string
	LogDriver      string
	LogOptions     map[string]string

	StopTimeout   time.Duration
	CleanupGrace  time.Duration
	HealthTimeout time.Duration
	PullTimeout   time.Duration
	PullPolicy    string

	Probe    *ProbeSpec
	Strategy Strategy
}

// PreviousGeneration returns the live container's generation, or 0 on a
// first deploy.
func (p *Plan) PreviousGeneration() int {
	if p.Live == nil {
		return 0
	}
	return p.Live.Generation()
}

// BuildPlan computes the deployment plan for one host from the merged config
// and the host's existing peleka-managed containers. All failures here are
// configuration errors: nothing remote has been touched yet.
func BuildPlan(cfg *config.Config, existing []runtime.ContainerSummary, deployID string, diag *Diagnostics) (*Plan, error) {
	service, err := model.NewServiceName(cfg.Service)
	if err != nil {
		return nil, E(KindConfig, err)
	}
	if err := model.ValidateImageRef(cfg.Image); err != nil {
		return nil, E(KindConfig, err)
	}

	env, err := config.ResolveEnvMap(cfg.Env)
	if err != nil {
		return nil, E(KindConfig, err)
	}

	live, oldPrevious, garbage := reconcile(existing, deployID)

	generation := 1
	color := model.ColorBlue
	if live != nil {
		generation = live.Generation() + 1
		if c := model.Color(live.Labels[model.LabelColor]); c == model.ColorBlue || c == model.ColorGreen {
			color = c.Opposite()
		}
	}

	labels := make(map[string]string, len(cfg.Labels)+5)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	labels[model.LabelService] = service.String()
	labels[model.LabelGeneration] = fmt.Sprintf("%d", generation)
	labels[model.LabelColor] = string(color)
	labels[model.LabelRole] = string(model.RolePending)
	labels[model.LabelDeployID] = deployID

	plan := &Plan{
		Service:       service,
		Image:         cfg.Image,
		DeployID:      deployID,
		ContainerName: model.ContainerName(service, color),
		Color:         color,
		Generation:    generation,
		Live:          live,
		OldPrevious:   oldPrevious,
		Garbage:       garbage,
		Env:           env,
		Labels:        labels,
		Ports:         cfg.Ports,
		Volumes:       cfg.Volumes,
		Command:       cfg.Command,
		Restart:       cfg.Restart,
		StopTimeout:   cfg.StopTimeout(),
		CleanupGrace:  cfg.Cleanup.GracePeriod.Std(),
		HealthTimeout: cfg.HealthTimeout.Std(),
		PullTimeout:   cfg.ImagePullTimeout.Std(),
		PullPolicy:    cfg.PullPolicy,
		Strategy:      SelectStrategy(cfg, diag),
	}

	if cfg.Resources != nil {
		plan.Memory = cfg.Resources.Memory
		plan.CPUs = cfg.Resources.CPUs
	}
	if cfg.Network != nil {
		plan.Network = cfg.Network.Name
		plan.NetworkAliases = append([]string{service.String()}, cfg.Network.Aliases...)
	}
	if cfg.Logging != nil {
		plan.LogDriver = cfg.Logging.Driver
		plan.LogOptions = cfg.Logging.Options
	}
	if hc := cfg.Healthcheck; hc != nil {
		plan.Probe = &ProbeSpec{
			Cmd:         hc.Cmd,
			Interval:    hc.Interval.Std(),
			Timeout:     hc.Timeout.Std(),
			Retries:     hc.Retries,
			StartPeriod: hc.StartPeriod.Std(),
		}
	}

	return plan, nil
}

// reconcile classifies the host's existing containers. At most one live and
// one previous survive; a crash can leave surplus roles or stale pending
// containers, which become garbage. Among conflicting roles the higher
// generation is authoritative.
func reconcile(existing []runtime.ContainerSummary, deployID string) (live, previous *runtime.ContainerSummary, garbage []runtime.ContainerSummary) {
	var lives, previouses []runtime.ContainerSummary
	for _, c := range existing {
		switch c.Role() {
		case model.RoleLive:
			lives = append(lives, c)
		case model.RolePrevious:
			previouses = append(previouses, c)
		case model.RolePending:
			if c.Labels[model.LabelDeployID] != deployID {
				garbage = append(garbage, c)
			}
		default:
			// previous-candidate or unknown roles are leftovers from an
			// interrupted rollback.
			garbage = append(garbage, c)
		}
	}

	byGenerationDesc(lives)
	byGenerationDesc(previouses)

	if len(lives) > 0 {
		live = &lives[0]
		garbage = append(garbage, lives[1:]...)
	}
	if len(previouses) > 0 {
		previous = &previouses[0]
		garbage = append(garbage, previouses[1:]...)
	}
	return live, previous, garbage
}

func byGenerationDesc(cs []runtime.ContainerSummary) {
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[i].Generation() > cs[j].Generation()
	})
}

// ContainerSpec converts the plan into the runtime's create request.
func (p *Plan) ContainerSpec() *runtime.ContainerSpec {
	return &runtime.ContainerSpec{
		Name:           p.ContainerName,
		Image:          p.Image,
		Env:            p.Env,
		Labels:         p.Labels,
		Ports:          p.Ports,
		Volumes:        p.Volumes,
		Command:        p.Command,
		RestartPolicy:  p.Restart,
		Memory:         p.Memory,
		CPUs:           p.CPUs,
		Network:        p.Network,
		NetworkAliases: p.NetworkAliases,
		LogDriver:      p.LogDriver,
		LogOptions:     p.LogOptions,
		StopTimeout:    p.StopTimeout,
	}
}

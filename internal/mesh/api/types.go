package api

import (
	"strconv"

	"github.com/hashmesh/meshcore/internal/mesh/lb"
	"github.com/hashmesh/meshcore/internal/mesh/resolve"
	"github.com/hashmesh/meshcore/internal/mesh/types"
)

// registerRequest is the body of POST /registry/instances. InstanceID may
// be omitted, in which case the registry generates one (uuid).
type registerRequest struct {
	InstanceID string            `json:"instance_id,omitempty"`
	ServiceName string           `json:"service_name"`
	Address     string           `json:"address"`
	Port        int              `json:"port"`
	Weight      int              `json:"weight"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Region      string           `json:"region,omitempty"`
	Version     string           `json:"version,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
}

func (req registerRequest) toInstance() *types.ServiceInstance {
	weight := req.Weight
	if weight <= 0 {
		weight = 1
	}
	return &types.ServiceInstance{
		InstanceID:  req.InstanceID,
		ServiceName: req.ServiceName,
		Address:     req.Address,
		Port:        req.Port,
		Weight:      weight,
		Metadata:    req.Metadata,
		Region:      req.Region,
		Version:     req.Version,
		Tags:        req.Tags,
	}
}

// patchRequest is the body of PATCH /registry/instances/{id}. Either or
// both of Status and Metadata may be set; each is applied independently.
type patchRequest struct {
	Status   *string           `json:"status,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// filterFromQuery builds a types.Filter from GET /registry/services/{name}
// query parameters, per spec §6's route signature.
func filterFromQuery(q queryGetter) types.Filter {
	f := types.Filter{
		Tags:       q.values("tag"),
		VersionMin: q.get("version_min"),
		VersionMax: q.get("version_max"),
		Region:     q.get("region"),
	}
	if v := q.get("version"); v != "" && f.VersionMin == "" && f.VersionMax == "" {
		f.VersionMin, f.VersionMax = v, v
	}
	if v := q.get("min_health"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			f.MinHealth = parsed
		}
	}
	return f
}

// queryGetter abstracts url.Values so filterFromQuery is independently
// testable without constructing a full *http.Request.
type queryGetter interface {
	get(key string) string
	values(key string) []string
}

// resolveRequest is the body of POST /resolve.
type resolveRequest struct {
	Service       string            `json:"service"`
	Filter        resolveFilterBody `json:"filter"`
	Strategy      string            `json:"strategy"`
	ClientContext clientContextBody `json:"client_context"`
}

type resolveFilterBody struct {
	Tags       []string `json:"tags,omitempty"`
	VersionMin string   `json:"version_min,omitempty"`
	VersionMax string   `json:"version_max,omitempty"`
	Region     string   `json:"region,omitempty"`
	MinHealth  float64  `json:"min_health,omitempty"`
}

func (b resolveFilterBody) toFilter() types.Filter {
	return types.Filter{
		Tags:       b.Tags,
		VersionMin: b.VersionMin,
		VersionMax: b.VersionMax,
		Region:     b.Region,
		MinHealth:  b.MinHealth,
	}
}

type clientContextBody struct {
	Region string `json:"region,omitempty"`
	Key    string `json:"key,omitempty"`
}

func (b clientContextBody) toClientContext() types.ClientContext {
	return types.ClientContext{Region: b.Region, Key: b.Key}
}

// strategyFromName maps the Control API's strategy string onto C6/C7's
// tagged-variant Strategy. "NEAREST" is a resolution-engine modifier
// (§4.5 step 3) layered on top of an underlying C7 algorithm rather than
// a C7 Kind of its own; "DIRECT" and "FAILOVER" from §1's resolution
// strategy list reduce to existing primitives (direct addressing is a
// single-candidate round-robin, failover is priority-ordered weighted
// selection with the circuit breaker already excluding OPEN targets) -
// see DESIGN.md.
func strategyFromName(name string) resolve.Strategy {
	switch name {
	case "", "ROUND_ROBIN", "DIRECT":
		return resolve.Strategy{LB: lb.Strategy{Kind: lb.RoundRobin}}
	case "WEIGHTED_ROUND_ROBIN", "WEIGHTED", "FAILOVER":
		return resolve.Strategy{LB: lb.Strategy{Kind: lb.WeightedRR}}
	case "LEAST_CONNECTIONS":
		return resolve.Strategy{LB: lb.Strategy{Kind: lb.LeastConn}}
	case "POWER_OF_TWO":
		return resolve.Strategy{LB: lb.Strategy{Kind: lb.PowerOfTwo}}
	case "WEIGHTED_RANDOM":
		return resolve.Strategy{LB: lb.Strategy{Kind: lb.WeightedRandom}}
	case "CONSISTENT_HASH":
		return resolve.Strategy{LB: lb.Strategy{Kind: lb.ConsistentHash, KeyFunc: func(c types.ClientContext) string { return c.Key }}}
	case "RESOURCE_AWARE":
		return resolve.Strategy{LB: lb.Strategy{Kind: lb.ResourceAware}}
	case "ADAPTIVE":
		return resolve.Strategy{LB: lb.Strategy{Kind: lb.Adaptive}}
	case "NEAREST":
		return resolve.Strategy{LB: lb.Strategy{Kind: lb.RoundRobin}, Nearest: true}
	default:
		return resolve.Strategy{LB: lb.Strategy{Kind: lb.WeightedRandom}}
	}
}

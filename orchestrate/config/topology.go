package config

// SupervisorConfig declares one supervisor and the nodes it owns.
type SupervisorConfig struct {
	Name             string   `json:"name" yaml:"name" toml:"name"`
	Category         string   `json:"category" yaml:"category" toml:"category"`
	Subordinates     []string `json:"subordinates" yaml:"subordinates" toml:"subordinates"`
	Responsibilities []string `json:"responsibilities" yaml:"responsibilities" toml:"responsibilities"`
}

// TopologyConfig is the supervision forest registered at startup.
type TopologyConfig struct {
	Supervisors []SupervisorConfig `json:"supervisors" yaml:"supervisors" toml:"supervisors"`
}

func (c *TopologyConfig) Merge(source *TopologyConfig) {
	if len(source.Supervisors) > 0 {
		c.Supervisors = source.Supervisors
	}
}

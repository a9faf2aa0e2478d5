package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Orchestrator holds the tunables that may change while the process runs.
// Intervals are in (fractional) seconds.
type Orchestrator struct {
	ScanIntervalSec           float64 `env:"REFRESH_INTERVAL_SEC"         envDefault:"0.5"   yaml:"scan_interval"`
	QuickCheckIntervalSec     float64 `env:"QUICK_CHECK_INTERVAL_SEC"     envDefault:"10"    yaml:"quick_check_interval"`
	ResultsReportIntervalSec  float64 `env:"RESULTS_REPORT_INTERVAL_SEC"  envDefault:"5"     yaml:"results_report_interval"`
	RejectedReportIntervalSec float64 `env:"REJECTED_REPORT_INTERVAL_SEC" envDefault:"43200" yaml:"rejected_report_interval"`

	EnableQuickCheck        bool `env:"ENABLE_QUICK_CHECK"        envDefault:"false" yaml:"enable_quick_check"`
	EnableResultsReporting  bool `env:"ENABLE_RESULTS_REPORTING"  envDefault:"true"  yaml:"enable_results_reporting"`
	EnableRejectedReporting bool `env:"ENABLE_REJECTED_REPORTING" envDefault:"true"  yaml:"enable_rejected_reporting"`

	MaxAcceptPerRun    int      `env:"MAX_ACCEPT_PER_RUN"   envDefault:"5"                                          yaml:"max_accept_per_run"`
	JobTypeFilter      string   `env:"JOB_TYPE_FILTER"      envDefault:"Telephone interpreting"                     yaml:"job_type_filter"`
	ExcludeTypes       []string `env:"EXCLUDE_TYPES"        envDefault:"Face-to-Face,Face to Face,In-Person,Onsite" envSeparator:"," yaml:"exclude_types"`
	QuickCheckCategory string   `env:"QUICK_CHECK_CATEGORY" envDefault:"Telephone interpreting"                     yaml:"quick_check_category"`
	RequiredFields     []string `env:"REQUIRED_FIELDS"      envDefault:"ref,language,appt_date,appt_time"           envSeparator:"," yaml:"required_fields"`
}

func (o Orchestrator) ScanInterval() time.Duration           { return seconds(o.ScanIntervalSec) }
func (o Orchestrator) QuickCheckInterval() time.Duration     { return seconds(o.QuickCheckIntervalSec) }
func (o Orchestrator) ResultsReportInterval() time.Duration  { return seconds(o.ResultsReportIntervalSec) }
func (o Orchestrator) RejectedReportInterval() time.Duration { return seconds(o.RejectedReportIntervalSec) }

// Validate checks the invariants that hold for every loaded or reloaded value.
func (o Orchestrator) Validate() error {
	intervals := []struct {
		name string
		v    float64
	}{
		{"REFRESH_INTERVAL_SEC", o.ScanIntervalSec},
		{"QUICK_CHECK_INTERVAL_SEC", o.QuickCheckIntervalSec},
		{"RESULTS_REPORT_INTERVAL_SEC", o.ResultsReportIntervalSec},
		{"REJECTED_REPORT_INTERVAL_SEC", o.RejectedReportIntervalSec},
	}
	for _, iv := range intervals {
		if iv.v <= 0 || seconds(iv.v) <= 0 {
			return invalid("%s must be > 0, got %v", iv.name, iv.v)
		}
	}

	if o.MaxAcceptPerRun < 0 {
		return invalid("MAX_ACCEPT_PER_RUN must be >= 0, got %d", o.MaxAcceptPerRun)
	}
	if o.EnableQuickCheck && o.QuickCheckCategory == "" {
		return invalid("QUICK_CHECK_CATEGORY is required when ENABLE_QUICK_CHECK is true")
	}
	return nil
}

// LoadPolicyFile reads a YAML overlay and applies it on top of base. Keys
// absent from the file keep the base value.
func LoadPolicyFile(path string, base Orchestrator) (Orchestrator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Orchestrator{}, fmt.Errorf("%w: read POLICY_FILE %s: %v", ErrInvalid, path, err)
	}

	out := base
	if err := yaml.Unmarshal(data, &out); err != nil {
		return Orchestrator{}, fmt.Errorf("%w: parse POLICY_FILE %s: %v", ErrInvalid, path, err)
	}
	return out, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

package compose

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Rules a finding can come from.
const (
	RuleSchema           = "schema"
	RuleServiceCount     = "service-count"
	RuleVolumeCount      = "volume-count"
	RuleHealthyDependsOn = "healthy-dependency"
	RuleHealthcheck      = "healthcheck"
	RuleDependency       = "dependency"
	RuleVolume           = "volume"
	RulePort             = "port"
)

// Finding is one validation problem.
type Finding struct {
	Rule    string `json:"rule"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s [%s]", f.Path, f.Message, f.Rule)
}

// Findings is returned by Validate when anything is wrong.
type Findings []Finding

func (fs Findings) Error() string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = f.String()
	}
	return fmt.Sprintf("%d composition problem(s): %s", len(fs), strings.Join(parts, "; "))
}

// Expectations configure the shape checks.
type Expectations struct {
	// Services and Volumes are the exact counts required. Zero skips the check.
	Services int
	Volumes  int

	// AppService names the service whose dependencies must all wait for
	// health. Empty means every service that declares dependencies.
	AppService string
}

// DefaultExpectations are two services and one volume.
func DefaultExpectations() Expectations {
	return Expectations{Services: 2, Volumes: 1}
}

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks f and returns every problem found as Findings.
func Validate(f *File, exp Expectations) error {
	var findings Findings
	add := func(rule, path, format string, args ...interface{}) {
		findings = append(findings, Finding{Rule: rule, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if err := structValidator.Struct(f); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				add(RuleSchema, trimNamespace(fe.Namespace()), "failed %s", describeTag(fe))
			}
		} else {
			add(RuleSchema, "", "%v", err)
		}
	}

	if exp.Services > 0 && len(f.Services) != exp.Services {
		add(RuleServiceCount, "services", "expected exactly %d services, found %d", exp.Services, len(f.Services))
	}
	if exp.Volumes > 0 && len(f.Volumes) != exp.Volumes {
		add(RuleVolumeCount, "volumes", "expected exactly %d volumes, found %d", exp.Volumes, len(f.Volumes))
	}
	if exp.AppService != "" {
		if _, ok := f.Services[exp.AppService]; !ok {
			add(RuleServiceCount, "services", "application service %q is not declared", exp.AppService)
		}
	}

	waitedOn := map[string]bool{}
	for _, name := range f.ServiceNames() {
		svc := f.Services[name]
		base := "services." + name

		checkHealthy := exp.AppService == "" || exp.AppService == name
		for _, dep := range svc.DependsOn.Names() {
			path := base + ".depends_on." + dep
			if _, ok := f.Services[dep]; !ok {
				add(RuleDependency, path, "depends on undeclared service %q", dep)
				continue
			}
			if dep == name {
				add(RuleDependency, path, "service depends on itself")
				continue
			}
			waitedOn[dep] = true
			if checkHealthy && svc.DependsOn[dep].Condition != ConditionHealthy {
				add(RuleHealthyDependsOn, path+".condition", "condition must be %s, got %s", ConditionHealthy, svc.DependsOn[dep].Condition)
			}
		}

		if hc := svc.Healthcheck; hc != nil {
			for field, value := range map[string]string{"interval": hc.Interval, "timeout": hc.Timeout, "start_period": hc.StartPeriod} {
				if value == "" {
					continue
				}
				if _, err := time.ParseDuration(value); err != nil {
					add(RuleHealthcheck, base+".healthcheck."+field, "invalid duration %q", value)
				}
			}
		}

		for i, port := range svc.Ports {
			if _, err := ParsePort(port); err != nil {
				add(RulePort, fmt.Sprintf("%s.ports[%d]", base, i), "%v", err)
			}
		}

		for i, mount := range svc.Volumes {
			if source, ok := namedVolume(mount); ok {
				if _, declared := f.Volumes[source]; !declared {
					add(RuleVolume, fmt.Sprintf("%s.volumes[%d]", base, i), "named volume %q is not declared", source)
				}
			}
		}
	}

	for _, name := range f.ServiceNames() {
		if waitedOn[name] && !f.Services[name].Healthcheck.Enabled() {
			add(RuleHealthcheck, "services."+name+".healthcheck", "service is waited on but declares no health check")
		}
	}

	if len(findings) > 0 {
		return findings
	}
	return nil
}

// ParsePort parses [ip:]host:container[/protocol].
func ParsePort(spec string) (PortMapping, error) {
	var pm PortMapping
	rest := spec
	if i := strings.LastIndex(rest, "/"); i >= 0 {
		pm.Protocol = rest[i+1:]
		rest = rest[:i]
		if pm.Protocol != "tcp" && pm.Protocol != "udp" {
			return pm, fmt.Errorf("port %q: unknown protocol %q", spec, pm.Protocol)
		}
	} else {
		pm.Protocol = "tcp"
	}

	parts := strings.Split(rest, ":")
	switch len(parts) {
	case 2:
	case 3:
		pm.HostIP = parts[0]
		parts = parts[1:]
	default:
		return pm, fmt.Errorf("port %q must be host:container", spec)
	}

	var err error
	if pm.HostPort, err = parsePortNumber(parts[0]); err != nil {
		return pm, fmt.Errorf("port %q: host %v", spec, err)
	}
	if pm.ContainerPort, err = parsePortNumber(parts[1]); err != nil {
		return pm, fmt.Errorf("port %q: container %v", spec, err)
	}
	return pm, nil
}

func parsePortNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("port %q is not a number", s)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d is out of range", n)
	}
	return n, nil
}

// namedVolume returns the source of a "name:/path" mount when it names a
// volume rather than a host path.
func namedVolume(mount string) (string, bool) {
	source, _, ok := strings.Cut(mount, ":")
	if !ok || source == "" {
		return "", false
	}
	if strings.HasPrefix(source, "/") || strings.HasPrefix(source, ".") || strings.HasPrefix(source, "~") || strings.HasPrefix(source, "$") {
		return "", false
	}
	return source, true
}

func trimNamespace(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describeTag(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fe.Tag() + "=" + fe.Param()
	}
	return fe.Tag()
}

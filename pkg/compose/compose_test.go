package compose

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validCompose = `
services:
  db:
    image: postgres:16
    environment:
      POSTGRES_USER: app
      POSTGRES_PASSWORD:
    volumes:
      - db-data:/var/lib/postgresql/data
    healthcheck:
      test: ["CMD-SHELL", "pg_isready -U app"]
      interval: 5s
      retries: 5
  app:
    build: .
    command: python app.py
    environment:
      - DATABASE_URL=postgresql://app:app@db:5432/app
    ports:
      - "5000:5000"
    depends_on:
      db:
        condition: service_healthy
volumes:
  db-data:
`

func findingRules(err error) map[string]int {
	rules := map[string]int{}
	var fs Findings
	if errors.As(err, &fs) {
		for _, f := range fs {
			rules[f.Rule]++
		}
	}
	return rules
}

func TestParse_Forms(t *testing.T) {
	f, err := Parse([]byte(validCompose))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	app := f.Services["app"]
	if app.Build == nil || app.Build.Context != "." {
		t.Errorf("short build form not parsed: %+v", app.Build)
	}
	if len(app.Command) != 1 || app.Command[0] != "python app.py" {
		t.Errorf("scalar command not parsed: %v", app.Command)
	}
	if app.Environment["DATABASE_URL"] != "postgresql://app:app@db:5432/app" {
		t.Errorf("list environment not parsed: %v", app.Environment)
	}
	if app.DependsOn["db"].Condition != ConditionHealthy {
		t.Errorf("depends_on condition = %q", app.DependsOn["db"].Condition)
	}

	db := f.Services["db"]
	if v, ok := db.Environment["POSTGRES_PASSWORD"]; !ok || v != "" {
		t.Errorf("null environment value should be empty, got %q %v", v, ok)
	}
	if !db.Healthcheck.Enabled() {
		t.Error("db health check should be enabled")
	}
}

func TestParse_DependsOnList(t *testing.T) {
	f, err := Parse([]byte("services:\n  app:\n    image: app\n    depends_on: [db]\n  db:\n    image: postgres\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Services["app"].DependsOn["db"].Condition; got != ConditionStarted {
		t.Errorf("list form condition = %q, want %q", got, ConditionStarted)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("services: [")); err == nil {
		t.Error("expected parse error")
	}
	if _, err := Parse([]byte("services:\n  app:\n    environment: 3\n")); err == nil {
		t.Error("expected environment error")
	}
}

func TestValidate_Valid(t *testing.T) {
	f, err := Parse([]byte(validCompose))
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(f, DefaultExpectations()); err != nil {
		t.Errorf("unexpected findings: %v", err)
	}
}

func TestValidate_DefaultDescriptor(t *testing.T) {
	if err := Validate(Default("shop"), Expectations{Services: 2, Volumes: 1, AppService: "app"}); err != nil {
		t.Errorf("default descriptor is invalid: %v", err)
	}
}

func TestValidate_ReportsEveryFinding(t *testing.T) {
	data := `
services:
  db:
    image: postgres:16
    volumes:
      - pgdata:/var/lib/postgresql/data
  app:
    build: .
    ports:
      - "5000"
      - "70000:80"
    depends_on:
      - db
  worker:
    restart: sometimes
    depends_on:
      cache:
        condition: service_healthy
`
	f, err := Parse([]byte(data))
	if err != nil {
		t.Fatal(err)
	}

	err = Validate(f, DefaultExpectations())
	if err == nil {
		t.Fatal("expected findings")
	}
	rules := findingRules(err)

	want := map[string]int{
		RuleServiceCount:     1, // three services
		RuleVolumeCount:      1, // none declared
		RuleHealthyDependsOn: 1, // app -> db is service_started
		RuleHealthcheck:      1, // db is waited on without a probe
		RuleDependency:       1, // cache is undeclared
		RuleVolume:           1, // pgdata is undeclared
		RulePort:             2,
	}
	for rule, n := range want {
		if rules[rule] != n {
			t.Errorf("rule %s: got %d findings, want %d (%v)", rule, rules[rule], n, err)
		}
	}
	if rules[RuleSchema] < 2 {
		t.Errorf("expected schema findings for worker image and restart, got %v", err)
	}
}

func TestValidate_HealthcheckDurations(t *testing.T) {
	f := Default("shop")
	db := f.Services["db"]
	db.Healthcheck.Interval = "often"
	f.Services["db"] = db

	err := Validate(f, DefaultExpectations())
	var fs Findings
	if !errors.As(err, &fs) || len(fs) != 1 {
		t.Fatalf("expected one finding, got %v", err)
	}
	if fs[0].Path != "services.db.healthcheck.interval" {
		t.Errorf("unexpected path %s", fs[0].Path)
	}
}

func TestValidate_DisabledHealthcheck(t *testing.T) {
	f := Default("shop")
	db := f.Services["db"]
	db.Healthcheck.Test = StringOrList{"NONE"}
	f.Services["db"] = db

	if rules := findingRules(Validate(f, DefaultExpectations())); rules[RuleHealthcheck] != 1 {
		t.Errorf("disabled probe on waited-on service should be reported, got %v", rules)
	}
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		spec    string
		want    PortMapping
		wantErr bool
	}{
		{"5000:5000", PortMapping{HostPort: 5000, ContainerPort: 5000, Protocol: "tcp"}, false},
		{"127.0.0.1:8080:80/udp", PortMapping{HostIP: "127.0.0.1", HostPort: 8080, ContainerPort: 80, Protocol: "udp"}, false},
		{"80", PortMapping{}, true},
		{"0:80", PortMapping{}, true},
		{"80:http", PortMapping{}, true},
		{"80:80/sctp", PortMapping{}, true},
	}

	for _, tt := range tests {
		got, err := ParsePort(tt.spec)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePort(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParsePort(%q) = %+v, want %+v", tt.spec, got, tt.want)
		}
	}
}

func TestStartupOrder(t *testing.T) {
	order, err := StartupOrder(Default("shop"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(order, ",") != "db,app" {
		t.Errorf("startup order = %v", order)
	}
}

func TestStartupOrder_Cycle(t *testing.T) {
	f := &File{Services: map[string]Service{
		"a": {Image: "a", DependsOn: DependsOn{"b": {Condition: ConditionStarted}}},
		"b": {Image: "b", DependsOn: DependsOn{"a": {Condition: ConditionStarted}}},
	}}
	if _, err := StartupOrder(f); err == nil {
		t.Error("expected cycle error")
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	data, err := Marshal(Default("shop"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "condition: service_healthy") {
		t.Errorf("rendered descriptor lacks healthy condition:\n%s", data)
	}
	if !strings.Contains(string(data), "build: .") {
		t.Errorf("build should use the short form:\n%s", data)
	}

	path := filepath.Join(t.TempDir(), DefaultFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(f, DefaultExpectations()); err != nil {
		t.Errorf("rendered descriptor does not validate: %v", err)
	}
}

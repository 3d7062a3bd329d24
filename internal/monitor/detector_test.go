package monitor

import (
	"testing"
)

func TestAnalyzeCode(t *testing.T) {
	d := NewEscapeDetector()

	tests := []struct {
		name         string
		code         string
		wantMinCount int // minimum number of detections
		wantPattern  string
	}{
		{"require fs", `const fs = require("fs")`, 1, "host_module_load"},
		{"require node: prefix", `require('node:child_process').exec("id")`, 1, "host_module_load"},
		{"process env", `return process.env.SECRET`, 1, "host_global_probe"},
		{"constructor chain", `this.constructor.constructor("return process")()`, 1, "constructor_escape"},
		{"proto write", `({}).__proto__.admin = true`, 1, "prototype_pollution"},
		{"object prototype write", `Object.prototype.isAdmin = true`, 1, "prototype_pollution"},
		{"eval", `eval("1 + 1")`, 1, "dynamic_code"},
		{"new Function", `const f = new Function("return 1")`, 1, "dynamic_code"},
		{"dynamic import", `await import("fs")`, 1, "dynamic_import"},
		{"while true", `while (true) {}`, 1, "busy_loop"},
		{"for ever", `for (;;) {}`, 1, "busy_loop"},
		{"huge array", `new Array(100000000).fill(0)`, 1, "memory_bomb"},
		{"huge repeat", `"x".repeat(1e9)`, 1, "memory_bomb"},
		{"metadata service", `fetch("http://169.254.169.254/latest/meta-data/")`, 1, "metadata_service"},
		{"passwd", `read("/etc/passwd")`, 1, "fs_probe"},
		{"crypto miner", `connect("stratum+tcp://pool.mining.com")`, 1, "crypto_miner"},
		{"clean code", `const xs = [1, 2, 3]; return xs.map((x) => x * 2)`, 0, ""},
		{"require of user helper", `const helper = requireHelper("a")`, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets := d.AnalyzeCode(tt.code)
			if len(dets) < tt.wantMinCount {
				t.Errorf("got %d detections, want >= %d", len(dets), tt.wantMinCount)
				return
			}
			if tt.wantMinCount == 0 && len(dets) != 0 {
				t.Errorf("got detections %v, want none", dets)
				return
			}
			if tt.wantPattern != "" {
				found := false
				for _, det := range dets {
					if det.Pattern == tt.wantPattern {
						found = true
						break
					}
				}
				if !found {
					t.Errorf("pattern %q not found in detections: %v", tt.wantPattern, dets)
				}
			}
		})
	}
}

func TestAnalyzeCode_LineNumbers(t *testing.T) {
	d := NewEscapeDetector()

	dets := d.AnalyzeCode("const a = 1\nconst b = 2\neval(a)")
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1", len(dets))
	}
	if dets[0].Line != 3 {
		t.Errorf("Line = %d, want 3", dets[0].Line)
	}
}

func TestAnalyzeOutput(t *testing.T) {
	d := NewEscapeDetector()

	tests := []struct {
		name         string
		output       []string
		wantMinCount int
		wantSeverity string
	}{
		{"root access", []string{"root:x:0:0:root:/root:/bin/bash"}, 1, "critical"},
		{"kernel leak", []string{"Linux version 6.1.0"}, 1, "high"},
		{"go runtime", []string{"ok", "goroutine 1 [running]:"}, 1, "high"},
		{"clean output", []string{"hello world", "42"}, 0, ""},
		{"empty", nil, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets := d.AnalyzeOutput(tt.output)
			if len(dets) < tt.wantMinCount {
				t.Errorf("got %d detections, want >= %d", len(dets), tt.wantMinCount)
				return
			}
			if tt.wantSeverity != "" && len(dets) > 0 {
				if dets[0].Severity != tt.wantSeverity {
					t.Errorf("severity = %q, want %q", dets[0].Severity, tt.wantSeverity)
				}
			}
		})
	}
}

func TestHasCritical(t *testing.T) {
	d := NewEscapeDetector()

	if !HasCritical(d.AnalyzeCode(`require("child_process")`)) {
		t.Error("HasCritical = false for host module load, want true")
	}
	if HasCritical(d.AnalyzeCode(`while (true) {}`)) {
		t.Error("HasCritical = true for busy loop, want false")
	}
	if HasCritical(nil) {
		t.Error("HasCritical(nil) = true, want false")
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		sev  Severity
		want string
	}{
		{SeverityLow, "low"},
		{SeverityMedium, "medium"},
		{SeverityHigh, "high"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.sev.String(); got != tt.want {
				t.Errorf("Severity(%d).String() = %q, want %q", tt.sev, got, tt.want)
			}
		})
	}
}

func BenchmarkEscapeDetector(b *testing.B) {
	detector := NewEscapeDetector()

	codes := []struct {
		name string
		code string
	}{
		{"benign", "return [1, 2, 3].map(n => n * 2)"},
		{"suspicious", `this.constructor.constructor("return process")().env`},
		{"complex", `
const cp = require("child_process");
Object.prototype.isAdmin = true;
const data = await import("fs");
fetch("http://169.254.169.254/latest/meta-data/");
while (true) { new Array(100000000); }
`},
	}

	for _, tc := range codes {
		b.Run(tc.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				detector.AnalyzeCode(tc.code)
			}
		})
	}
}

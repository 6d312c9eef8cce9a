package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sigreer/deploykit/internal/cache"
	"github.com/sigreer/deploykit/internal/disk"
	"github.com/sigreer/deploykit/internal/journal"
)

const (
	testDisk   = "/dev/deploykit-test0"
	hiddenDisk = "/dev/deploykit-hidden0"
	lsblkCmd   = "lsblk -J -d -b -o PATH,TYPE,LOG-SEC"
	rootUUID   = "3F2504E0-4F89-11D3-9A0C-0305E82C3301"
)

type fakeResult struct {
	stdout string
	err    error
}

// fakeRunner answers disk tool invocations keyed by the full command line
type fakeRunner struct {
	results map[string]fakeResult
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, key)
	r, ok := f.results[key]
	if !ok {
		return nil, []byte("unexpected command"), fmt.Errorf("unexpected command %q", key)
	}
	return []byte(r.stdout), nil, r.err
}

func (f *fakeRunner) called(key string) bool {
	for _, c := range f.calls {
		if c == key {
			return true
		}
	}
	return false
}

func sfdiskJSON(dev string, parts ...string) string {
	return fmt.Sprintf(`{"partitiontable":{"label":"gpt","device":%q,"unit":"sectors","sectorsize":512,"partitions":[%s]}}`,
		dev, strings.Join(parts, ","))
}

func newFakeSystem() *fakeRunner {
	return &fakeRunner{results: map[string]fakeResult{
		lsblkCmd: {stdout: `{"blockdevices":[
			{"path":"` + testDisk + `","type":"disk","log-sec":512},
			{"path":"` + hiddenDisk + `","type":"disk","log-sec":"512"},
			{"path":"/dev/sr0","type":"rom","log-sec":2048}]}`},
		lsblkCmd + " " + testDisk: {stdout: `{"blockdevices":[{"path":"` + testDisk + `","type":"disk","log-sec":512}]}`},
		"sfdisk --json " + testDisk: {stdout: sfdiskJSON(testDisk,
			`{"node":"`+testDisk+`p1","start":2048,"size":1048576,"type":"C12A7328-F81F-11D2-BA4B-00A0C93EC93B"}`,
			`{"node":"`+testDisk+`p2","start":1050624,"size":20971520,"type":"0FC63DAF-8483-4772-8E79-3D69D8477DE4"}`)},
		"sfdisk --json " + hiddenDisk: {stdout: sfdiskJSON(hiddenDisk,
			`{"node":"`+hiddenDisk+`p1","start":2048,"size":2048,"type":"0FC63DAF-8483-4772-8E79-3D69D8477DE4"}`)},
		"blkid -o value -s TYPE " + testDisk + "p1":   {stdout: "vfat\n"},
		"blkid -o value -s TYPE " + testDisk + "p2":   {stdout: "ext4\n"},
		"blkid -o value -s TYPE " + hiddenDisk + "p1": {stdout: "ext4\n"},
		"blkid -o value -s UUID " + testDisk + "p2":   {stdout: rootUUID + "\n"},
		"mkfs.xfs -f " + testDisk + "p2":              {},
	}}
}

// testEnv writes a config whose journal lives in a temp dir
func testEnv(t *testing.T, manifestURL string) (configPath, journalPath string) {
	t.Helper()
	dir := t.TempDir()
	journalPath = filepath.Join(dir, "journal.db")
	if manifestURL == "" {
		manifestURL = "https://releases.example.org/manifest/recipe.json"
	}
	content := fmt.Sprintf(`manifest_url: %q
arch: x86_64
speedtest:
  workers: 2
  timeout: 2s
journal:
  path: %q
disks:
  exclude: ["%s*"]
`, manifestURL, journalPath, hiddenDisk)
	configPath = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return configPath, journalPath
}

// resetFlags puts every flag back to its default between runs, since cobra
// keeps parsed values on the command tree
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, fake *fakeRunner, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	logLevel = ""
	runner = fake
	scanCache = cache.New()
	t.Cleanup(func() { runner = disk.ExecRunner{} })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPartitionsTable(t *testing.T) {
	configPath, _ := testEnv(t, "")
	out, err := execute(t, newFakeSystem(), "--config", configPath, "partitions")
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}

	for _, want := range []string{testDisk + "p1", "fat32", "512 MiB", testDisk + "p2", "ext4", "10 GiB"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, hiddenDisk) {
		t.Errorf("excluded disk listed:\n%s", out)
	}
}

func TestPartitionsJSON(t *testing.T) {
	configPath, _ := testEnv(t, "")
	out, err := execute(t, newFakeSystem(), "--config", configPath, "--json", "partitions")
	if err != nil {
		t.Fatal(err)
	}

	var got []disk.Partition
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	want := disk.Partition{Path: testDisk + "p2", ParentPath: testDisk, FSType: "ext4", Size: 20971520 * 512}
	if len(got) != 2 || got[1] != want {
		t.Errorf("unexpected partitions %+v", got)
	}
}

func TestESP(t *testing.T) {
	configPath, _ := testEnv(t, "")
	out, err := execute(t, newFakeSystem(), "--config", configPath, "esp", testDisk)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, testDisk+"p1 (fat32)") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestESP_NotFound(t *testing.T) {
	configPath, _ := testEnv(t, "")
	_, err := execute(t, newFakeSystem(), "--config", configPath, "esp", "/dev/missing")
	if err == nil {
		t.Fatal("expected error for unknown device")
	}
}

func TestFormat_RequiresConfirmation(t *testing.T) {
	configPath, _ := testEnv(t, "")
	fake := newFakeSystem()
	_, err := execute(t, fake, "--config", configPath, "format", testDisk+"p2", "--fs", "xfs")
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("expected confirmation error, got %v", err)
	}
	if fake.called("mkfs.xfs -f " + testDisk + "p2") {
		t.Error("mkfs ran without confirmation")
	}
}

func TestFormatAndJournal(t *testing.T) {
	configPath, journalPath := testEnv(t, "")
	fake := newFakeSystem()
	out, err := execute(t, fake, "--config", configPath, "format", testDisk+"p2", "--fs", "xfs", "--yes")
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if !fake.called("mkfs.xfs -f " + testDisk + "p2") {
		t.Errorf("mkfs not run, calls: %v", fake.calls)
	}
	if !strings.Contains(out, "Created xfs on "+testDisk+"p2") {
		t.Errorf("unexpected output %q", out)
	}

	j, err := journal.Open(journalPath)
	if err != nil {
		t.Fatal(err)
	}
	events, err := j.DiskEventsForDevice(testDisk + "p2")
	j.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != journal.EventFormat || events[0].FSType != "xfs" || events[0].Outcome != journal.OutcomeOK {
		t.Errorf("unexpected journal events %+v", events)
	}

	out, err = execute(t, newFakeSystem(), "--config", configPath, "journal")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "format") || !strings.Contains(out, testDisk+"p2") {
		t.Errorf("journal output missing event:\n%s", out)
	}
}

func TestFormat_ExplicitFilesystemIsKept(t *testing.T) {
	configPath, journalPath := testEnv(t, "")
	fake := newFakeSystem()
	fake.results["mkfs.fat32 -F32 "+testDisk+"p1"] = fakeResult{}

	out, err := execute(t, fake, "--config", configPath, "format", testDisk+"p1", "--fs", "fat32", "--yes")
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if last := fake.calls[len(fake.calls)-1]; last != "mkfs.fat32 -F32 "+testDisk+"p1" {
		t.Errorf("expected mkfs.fat32, last call %q", last)
	}
	if !strings.Contains(out, "Created fat32 on "+testDisk+"p1") {
		t.Errorf("unexpected output %q", out)
	}

	j, err := journal.Open(journalPath)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	events, err := j.DiskEventsForDevice(testDisk + "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].FSType != "fat32" {
		t.Errorf("unexpected journal events %+v", events)
	}
}

func TestFormat_RejectsUnknownFilesystem(t *testing.T) {
	configPath, _ := testEnv(t, "")
	fake := newFakeSystem()

	_, err := execute(t, fake, "--config", configPath, "format", testDisk+"p2", "--fs", "ntfs", "--yes")
	if !errors.Is(err, disk.ErrUnsupportedFSType) {
		t.Fatalf("expected ErrUnsupportedFSType, got %v", err)
	}
	for _, c := range fake.calls {
		if strings.HasPrefix(c, "mkfs.") {
			t.Errorf("mkfs ran for a rejected filesystem: %q", c)
		}
	}
}

func TestFormat_FSAndDefaultConflict(t *testing.T) {
	configPath, _ := testEnv(t, "")
	fake := newFakeSystem()

	if _, err := execute(t, fake, "--config", configPath, "format", testDisk+"p2", "--fs", "xfs", "--default", "--yes"); err == nil {
		t.Fatal("expected an error for --fs with --default")
	}
	if fake.called("mkfs.xfs -f " + testDisk + "p2") {
		t.Error("mkfs ran despite conflicting flags")
	}
}

func TestFormat_ToolFailureIsJournaled(t *testing.T) {
	configPath, journalPath := testEnv(t, "")
	fake := newFakeSystem()
	fake.results["mkfs.ext4 -Fq "+testDisk+"p2"] = fakeResult{err: fmt.Errorf("exit status 1")}

	_, err := execute(t, fake, "--config", configPath, "format", testDisk+"p2", "--default", "--yes")
	if err == nil {
		t.Fatal("expected mkfs failure")
	}

	j, err := journal.Open(journalPath)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	events, err := j.RecentDiskEvents(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Outcome != journal.OutcomeFailed {
		t.Errorf("expected one failed event, got %+v", events)
	}
}

func TestFstab(t *testing.T) {
	configPath, _ := testEnv(t, "")
	out, err := execute(t, newFakeSystem(), "--config", configPath, "fstab", testDisk+"p2", "/")
	if err != nil {
		t.Fatal(err)
	}
	want := "UUID=" + strings.ToLower(rootUUID) + " / ext4 defaults 0 1\n"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestFstab_Append(t *testing.T) {
	configPath, _ := testEnv(t, "")
	target := filepath.Join(t.TempDir(), "fstab")
	if err := os.WriteFile(target, []byte("# existing\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, newFakeSystem(), "--config", configPath, "fstab", testDisk+"p2", "/", "--append", target); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# existing\nUUID=") {
		t.Errorf("entry not appended: %q", data)
	}
}

const testManifest = `{
  "version": 1,
  "bulletin": {"type": "info", "title": "Welcome", "body": "Enjoy"},
  "variants": [
    {"name": "Desktop", "tarballs": [
      {"arch": "amd64", "date": "20240101", "downloadSize": 1500000000, "instSize": 6000000000, "path": "os-amd64/desktop.tar.xz", "sha256sum": "aa"}
    ]},
    {"name": "BuildKit", "tarballs": [
      {"arch": "amd64", "date": "20240101", "downloadSize": 1, "instSize": 1, "path": "bk.tar.xz", "sha256sum": "bb"}
    ]}
  ],
  "mirrors": [{"name": "Local", "loc": "Here", "url": "%s/aosc-os/"}]
}`

func manifestServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/recipe.json" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, testManifest, srv.URL)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVariants(t *testing.T) {
	srv := manifestServer(t)
	configPath, _ := testEnv(t, srv.URL+"/recipe.json")

	out, err := execute(t, newFakeSystem(), "--config", configPath, "variants")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Desktop") || !strings.Contains(out, "1.5 GB") || !strings.Contains(out, "Welcome") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if strings.Contains(out, "BuildKit") {
		t.Errorf("reserved variant listed:\n%s", out)
	}
}

func TestMirrorsRecordsRun(t *testing.T) {
	srv := manifestServer(t)
	configPath, _ := testEnv(t, srv.URL+"/recipe.json")

	out, err := execute(t, newFakeSystem(), "--config", configPath, "mirrors")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "None of 1 mirrors passed") {
		t.Errorf("unexpected output %q", out)
	}

	out, err = execute(t, newFakeSystem(), "--config", configPath, "mirrors", "--last")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "0 of 1 mirrors passed") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestJournalDisabled(t *testing.T) {
	dir := t.TempDir()
	journalDir := filepath.Join(dir, "state")
	configPath := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("journal:\n  enabled: false\n  path: %q\n", filepath.Join(journalDir, "journal.db"))
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, newFakeSystem(), "--config", configPath, "journal")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Journal is disabled.") {
		t.Errorf("unexpected journal output %q", out)
	}

	out, err = execute(t, newFakeSystem(), "--config", configPath, "mirrors", "--last")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Journal is disabled") {
		t.Errorf("unexpected mirrors output %q", out)
	}

	if _, err := execute(t, newFakeSystem(), "--config", configPath, "format", testDisk+"p2", "--fs", "xfs", "--yes"); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(journalDir); !os.IsNotExist(err) {
		t.Errorf("disabled journal created %s: %v", journalDir, err)
	}
}

func TestLevelFlag(t *testing.T) {
	var l levelFlag
	if err := l.Set("DEBUG"); err != nil || l.String() != "debug" {
		t.Errorf("Set(DEBUG) = %v, level %q", err, l)
	}
	if err := l.Set("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLogLevelOverride(t *testing.T) {
	configPath, _ := testEnv(t, "")
	if _, err := execute(t, newFakeSystem(), "--config", configPath, "--log-level", "error", "partitions"); err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("expected flag to override config level, got %q", cfg.Log.Level)
	}
}

package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

const pidFile = "daemon.pid"

func pidPath(dataDir string) string { return filepath.Join(dataDir, pidFile) }

// Probe reports whether a live daemon answers on the socket. Anything
// that echoes the probe id within the deadline counts as alive; a missing
// file, refused connection or silence means the socket is stale.
func Probe(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(time.Second))

	if _, err := conn.Write([]byte(`{"type":"list-sessions","id":"probe"}` + "\n")); err != nil {
		return false
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var resp struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(scanner.Bytes(), &resp) == nil && resp.ID == "probe" {
			return true
		}
		// Broadcast lines from live sessions may arrive first; keep
		// scanning until the reply or the deadline.
	}
	return false
}

// Run executes the daemon in the foreground: stale-socket probe, bind,
// serve until SIGINT/SIGTERM. On shutdown all alive PTYs are killed and
// the socket and pid file are removed.
func Run(socketPath, dataDir, shell string) error {
	if _, err := os.Stat(socketPath); err == nil {
		if Probe(socketPath) {
			return fmt.Errorf("daemon already running on %s", socketPath)
		}
		log.Printf("[daemon] removing stale socket %s", socketPath)
		os.Remove(socketPath)
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(pidPath(dataDir), []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	srv := NewServer(socketPath, dataDir, shell)
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	log.Printf("[daemon] listening on %s (pid %d)", socketPath, os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[daemon] received %s, shutting down", sig)
		srv.Shutdown()
		RemovePidIfOurs(pidPath(dataDir))
		log.Printf("[daemon] stopped")
		os.Exit(0)
	}()

	srv.Serve()
	return nil
}

// Start launches the daemon as a detached background process and waits
// for its socket to come up.
func Start(socketPath, dataDir string) error {
	if Probe(socketPath) {
		fmt.Printf("Daemon already running (pid %d)\n", readPid(dataDir))
		return nil
	}
	os.Remove(socketPath)

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	cmd := exec.Command(exePath, "daemon", "run")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	// Detach all stdio so the daemon doesn't hold the terminal open.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	cmd.Process.Release()

	for i := 0; i < 50; i++ {
		if _, err := os.Stat(socketPath); err == nil {
			fmt.Printf("Daemon started (pid %d)\n", readPid(dataDir))
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon started but socket not yet available")
}

// Stop terminates a running daemon: SIGTERM, then SIGKILL if it has not
// exited within five seconds.
func Stop(socketPath, dataDir string) error {
	pid := readPid(dataDir)
	if pid == 0 || !processAlive(pid) {
		fmt.Println("Daemon not running")
		os.Remove(pidPath(dataDir))
		os.Remove(socketPath)
		return nil
	}
	syscall.Kill(pid, syscall.SIGTERM)
	for i := 0; i < 50; i++ {
		if !processAlive(pid) {
			fmt.Printf("Daemon stopped (was pid %d)\n", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "Daemon did not stop within 5s, sending SIGKILL\n")
	syscall.Kill(pid, syscall.SIGKILL)
	time.Sleep(200 * time.Millisecond)
	os.Remove(pidPath(dataDir))
	os.Remove(socketPath)
	return nil
}

// Status reports the daemon pid and whether it is alive.
func Status(dataDir string) (int, bool) {
	pid := readPid(dataDir)
	if pid == 0 || !processAlive(pid) {
		return pid, false
	}
	return pid, true
}

// RemovePidIfOurs removes a pid file only when it still names the calling
// process, so a restarted daemon's file is never clobbered.
func RemovePidIfOurs(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if pid, err := strconv.Atoi(string(data)); err == nil && pid == os.Getpid() {
		os.Remove(path)
	}
}

func readPid(dataDir string) int {
	data, err := os.ReadFile(pidPath(dataDir))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return pid
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

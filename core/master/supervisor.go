package master

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

type exitEvent struct {
	index int
	err   error
}

// Supervisor launches worker subprocesses and reports their exits on a
// channel. It decides nothing itself: the master's run loop consumes the
// exit events and either relaunches or counts terminations, decoupling
// "a process died" from "what to do about it".
type Supervisor struct {
	log        *slog.Logger
	argv       []string
	shardCount int

	exits chan exitEvent

	mu       sync.Mutex
	launched map[int]bool
	running  map[int]bool
	procs    map[int]*exec.Cmd
}

func newSupervisor(log *slog.Logger, argv []string, shardCount int) *Supervisor {
	return &Supervisor{
		log:        log.With(slog.String("component", "supervisor")),
		argv:       argv,
		shardCount: shardCount,
		exits:      make(chan exitEvent, shardCount),
		launched:   make(map[int]bool),
		running:    make(map[int]bool),
		procs:      make(map[int]*exec.Cmd),
	}
}

// Launch starts the worker subprocess for a shard index, passing the
// index and total shard count as its final arguments, and registers an
// exit observer.
func (s *Supervisor) Launch(ctx context.Context, index int) error {
	args := make([]string, 0, len(s.argv)+1)
	args = append(args, s.argv[1:]...)
	args = append(args, strconv.Itoa(index), strconv.Itoa(s.shardCount))

	cmd := exec.CommandContext(ctx, s.argv[0], args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch shard %d: %w", index, err)
	}

	s.mu.Lock()
	s.launched[index] = true
	s.running[index] = true
	s.procs[index] = cmd
	s.mu.Unlock()

	s.log.Info("worker launched", slog.Int("shard", index), slog.Int("pid", cmd.Process.Pid))

	go func() {
		s.exits <- exitEvent{index: index, err: cmd.Wait()}
	}()

	return nil
}

// observeExit removes a shard from the running set. Called by the
// consumer of Exits, never by the waiter goroutine: an exit queued but
// not yet handled still counts as running, so a concurrent shutdown
// snapshot waits for it instead of completing early.
func (s *Supervisor) observeExit(index int) {
	s.mu.Lock()
	delete(s.running, index)
	delete(s.procs, index)
	s.mu.Unlock()
}

// Exits delivers one event per observed subprocess exit.
func (s *Supervisor) Exits() <-chan exitEvent { return s.exits }

// LaunchedCount reports how many distinct indexes have ever been
// launched.
func (s *Supervisor) LaunchedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.launched)
}

// RunningCount reports how many subprocesses have been started and not
// yet observed to exit. At shutdown the master waits for exactly this
// many termination events.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// RunningIndexes lists indexes with a live subprocess.
func (s *Supervisor) RunningIndexes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.running))
	for i := range s.running {
		out = append(out, i)
	}
	return out
}

// Kill forcefully terminates one subprocess. Used during shutdown for
// workers that never connected and therefore cannot be told to die.
func (s *Supervisor) Kill(index int) {
	s.mu.Lock()
	cmd := s.procs[index]
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

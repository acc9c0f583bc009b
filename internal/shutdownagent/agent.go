// Package shutdownagent is the reference implementation of the small
// HTTP service a managed machine runs to receive the monitor's
// turn-off call. By default it only logs the request; powering a
// machine off is host-specific, so operators inject the real command.
package shutdownagent

import (
	"net/http"
	"os/exec"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Executor runs the actual shutdown command. The default Executor logs
// and returns nil without touching the host; production deployments
// inject a real one (e.g. invoking systemctl or shutdown(8)).
type Executor interface {
	Execute() error
}

// LogOnlyExecutor is the safe default: it records that a turn-off was
// requested and does nothing else.
type LogOnlyExecutor struct{}

// Execute implements Executor.
func (LogOnlyExecutor) Execute() error {
	log.Info().Msg("turn-off requested; log-only executor takes no action")
	return nil
}

// CommandExecutor runs an arbitrary host shutdown command, e.g.
// "shutdown -h now". Operators opt into this explicitly; it is never
// the default.
type CommandExecutor struct {
	Name string
	Args []string
}

// Execute implements Executor.
func (c CommandExecutor) Execute() error {
	return exec.Command(c.Name, c.Args...).Run()
}

// Agent serves the /turn-off endpoint.
type Agent struct {
	executor Executor
}

// New builds an Agent with the given Executor. Pass LogOnlyExecutor{}
// for a safe default.
func New(executor Executor) *Agent {
	if executor == nil {
		executor = LogOnlyExecutor{}
	}
	return &Agent{executor: executor}
}

// Router builds the gin.Engine serving this agent's routes.
func (a *Agent) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/turn-off", a.turnOff)
	return r
}

func (a *Agent) turnOff(c *gin.Context) {
	if err := a.executor.Execute(); err != nil {
		log.Error().Err(err).Msg("shutdown executor failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

package controller

import (
	"errors"

	"github.com/GriffinCanCode/computeguard/internal/engine"
	"github.com/GriffinCanCode/computeguard/internal/infrastructure/resilience"
)

// TerminalMessage is reported once automatic recovery has been exhausted
const TerminalMessage = "automatic recovery exhausted: the compute engine could not be restored and a full restart of the host process is required"

// RecoveringMessage is reported while a recovery cycle runs
const RecoveringMessage = "the compute engine crashed and is being restored, please wait"

var (
	// ErrCircuitOpen is returned without calling the engine while the breaker is open
	ErrCircuitOpen = resilience.ErrCircuitOpen
	// ErrNotLoaded is returned when the engine has not been initialized
	ErrNotLoaded = engine.ErrNotLoaded
	// ErrTerminal is returned once automatic recovery has been exhausted
	ErrTerminal = errors.New(TerminalMessage)
	// ErrRecoveryInProgress is returned while a recovery cycle runs
	ErrRecoveryInProgress = errors.New("compute engine recovery in progress")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("controller closed")
	// ErrUnsupportedJob is returned for jobs the engine does not accept
	ErrUnsupportedJob = errors.New("job type not supported by engine")
)

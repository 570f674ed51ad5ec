package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/nick-groenke/repbridge/internal/bt"
	"github.com/nick-groenke/repbridge/internal/config"
	"github.com/nick-groenke/repbridge/internal/goutil"
	"github.com/nick-groenke/repbridge/internal/machine"
	"github.com/nick-groenke/repbridge/internal/protocol"
	"github.com/nick-groenke/repbridge/internal/session"
)

const mockMachineAddress = "AA:BB:CC:DD:EE:01"

func demoWorkout() session.WorkoutParameters {
	return session.WorkoutParameters{
		Type:             session.WorkoutProgram,
		Mode:             protocol.ModeOldSchool,
		WeightPerCableKg: 20,
		WarmupReps:       3,
		TargetReps:       10,
		Sets:             3,
		RestBetweenSets:  60 * time.Second,
	}
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "repbridge: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()

	// Log pane (right half). The rotating file gets everything the pane
	// gets.
	logView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() {
			app.Draw()
		})
	logView.SetBorder(true).SetTitle(" Logs ")

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	}
	defer rotator.Close()
	logger := log.New(io.MultiWriter(rotator, logView), "", log.LstdFlags)

	// Status pane (left half): connection, workout and live telemetry.
	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetChangedFunc(func() {
			app.Draw()
		})
	statusView.SetBorder(true).SetTitle(" Machine ")

	var mock *machine.MockMachine
	var manager bt.Manager
	if cfg.Mock {
		mock = machine.NewMockMachine(logger, "FORMA-P 0142", mockMachineAddress)
		manager = machine.NewMockManager(logger, mock)
		logger.Printf("Main: running against a mock machine")
	} else {
		manager = bt.NewAdapterManager(bluetooth.DefaultAdapter, logger)
	}
	must("enable BLE stack", manager.Enable())

	link := machine.NewLink(manager, logger)
	orchestrator := session.NewOrchestrator(link, logger,
		session.WithCountdown(cfg.Countdown),
		session.WithStallTimeout(cfg.StallTimeout),
	)

	// One goroutine owns the status pane. It folds every event stream into
	// a snapshot and re-renders.
	linkStateCh := make(chan machine.ConnectionState, 16)
	workoutCh := make(chan session.WorkoutState, 16)
	repCh := make(chan session.RepCount, 64)
	telemetryCh := make(chan protocol.TelemetrySample, 64)
	unlistenLink := link.ListenToState(linkStateCh)
	unlistenWorkout := orchestrator.ListenToWorkoutState(workoutCh)
	unlistenReps := orchestrator.ListenToRepCounts(repCh)
	unlistenTelemetry := link.ListenToTelemetry(telemetryCh)
	unlistenSummary := orchestrator.OnSetSummary(func(s session.SetSummary) {
		logger.Printf("Main: set %d done: %d reps, peak %.1f kg, avg %.0f mm/s in %v",
			s.Set, s.WorkingReps, s.PeakLoadKg, s.AvgVelocityMmS, s.Duration.Round(time.Second))
	})

	renderDone := make(chan struct{})
	goutil.SafeGo(logger, func() {
		var linkState machine.ConnectionState
		var workout session.WorkoutState
		var reps session.RepCount
		var telemetry protocol.TelemetrySample
		for {
			select {
			case <-renderDone:
				return
			case linkState = <-linkStateCh:
			case workout = <-workoutCh:
				reps = workout.Reps
			case reps = <-repCh:
			case telemetry = <-telemetryCh:
			}
			text := renderStatus(linkState, workout, reps, telemetry)
			app.QueueUpdateDraw(func() {
				statusView.SetText(text)
			})
		}
	})

	flex := tview.NewFlex().
		AddItem(statusView, 0, 1, true). // Left half, focusable
		AddItem(logView, 0, 1, false)    // Right half

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		// Tab to switch focus between panes
		if event.Key() == tcell.KeyTab {
			if statusView.HasFocus() {
				app.SetFocus(logView)
			} else {
				app.SetFocus(statusView)
			}
			return nil
		}
		// Escape to quit
		if event.Key() == tcell.KeyEscape {
			app.Stop()
			return nil
		}
		switch event.Rune() {
		case 'c':
			logger.Printf("Main: connecting (scan timeout %v)", cfg.ScanTimeout)
			goutil.SafeGo(logger, func() {
				if err := link.Connect(cfg.ScanTimeout); err != nil {
					logger.Printf("Main: connect failed: %v", err)
				}
			})
		case 'd':
			goutil.SafeGo(logger, func() {
				if err := link.Disconnect(); err != nil {
					logger.Printf("Main: disconnect failed: %v", err)
				}
			})
		case 's':
			goutil.SafeGo(logger, func() {
				if err := orchestrator.Start(demoWorkout()); err != nil {
					logger.Printf("Main: workout start failed: %v", err)
				}
			})
		case 'p':
			orchestrator.Pause()
		case 'r':
			orchestrator.Resume()
		case 'x':
			orchestrator.Stop()
		case 'm':
			if mock != nil {
				params := demoWorkout()
				goutil.SafeGo(logger, func() {
					mock.SimulateSet(params.WarmupReps, params.TargetReps, false, false)
				})
			}
		}
		return event
	})

	logger.Printf("Main: ready. c=connect d=disconnect s=start p=pause r=resume x=stop, Esc quits")
	if cfg.Mock {
		logger.Printf("Main: m drives a simulated set on the mock machine")
	}

	if err := app.SetRoot(flex, true).SetFocus(statusView).Run(); err != nil {
		panic(err)
	}

	close(renderDone)
	unlistenSummary()
	unlistenTelemetry()
	unlistenReps()
	unlistenWorkout()
	unlistenLink()
	orchestrator.Shutdown()
	must("disconnect", link.Disconnect())
	manager.Shutdown()
}

func renderStatus(linkState machine.ConnectionState, workout session.WorkoutState, reps session.RepCount, telemetry protocol.TelemetrySample) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[yellow]Connection[-]\n")
	fmt.Fprintf(&b, "  Status:  %s\n", linkState.Status)
	if linkState.DeviceName != "" {
		fmt.Fprintf(&b, "  Machine: %s (%s)\n", linkState.DeviceName, linkState.Address)
		fmt.Fprintf(&b, "  Model:   %s (max %.0f kg per cable)\n", linkState.Model, linkState.Model.MaxResistanceKg())
	}
	if linkState.Err != nil {
		fmt.Fprintf(&b, "  [red]Error:   %v[-]\n", linkState.Err)
	}

	fmt.Fprintf(&b, "\n[yellow]Workout[-]\n")
	fmt.Fprintf(&b, "  Status:  %s\n", workout.Status)
	switch workout.Status {
	case session.StatusCountdown:
		fmt.Fprintf(&b, "  Set %d starts in %v\n", workout.CurrentSet, workout.CountdownRemaining)
	case session.StatusResting:
		fmt.Fprintf(&b, "  Rest: %v until set %d\n", workout.RestRemaining, workout.CurrentSet+1)
	case session.StatusActive, session.StatusPaused, session.StatusSetSummary:
		fmt.Fprintf(&b, "  Set %d of %d\n", workout.CurrentSet, workout.Params.Sets)
	}
	if workout.Err != nil {
		fmt.Fprintf(&b, "  [red]Error:   %v[-]\n", workout.Err)
	}

	fmt.Fprintf(&b, "\n[yellow]Reps[-]\n")
	fmt.Fprintf(&b, "  Warmup:  %d\n", reps.WarmupReps)
	fmt.Fprintf(&b, "  Working: %d\n", reps.WorkingReps)
	if reps.HasPendingRep {
		fmt.Fprintf(&b, "  In rep:  %3.0f%%\n", reps.PendingRepProgress*100)
	}

	fmt.Fprintf(&b, "\n[yellow]Cables[-]\n")
	fmt.Fprintf(&b, "  Load:    %.1f kg (A %.1f / B %.1f)\n",
		telemetry.TotalLoadKg(), telemetry.LoadAKg, telemetry.LoadBKg)
	fmt.Fprintf(&b, "  Pos:     A %.0f mm / B %.0f mm\n", telemetry.PositionAMm, telemetry.PositionBMm)
	fmt.Fprintf(&b, "  Vel:     A %.0f mm/s / B %.0f mm/s\n", telemetry.VelocityAMmS, telemetry.VelocityBMmS)

	for _, summary := range workout.Summaries {
		fmt.Fprintf(&b, "\nSet %d: %d reps, peak %.1f kg, avg %.0f mm/s in %v",
			summary.Set, summary.WorkingReps, summary.PeakLoadKg,
			summary.AvgVelocityMmS, summary.Duration.Round(time.Second))
	}

	return b.String()
}

func must(action string, err error) {
	if err != nil {
		panic("failed to " + action + ": " + err.Error())
	}
}

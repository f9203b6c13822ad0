// Command sonar-host runs the ranging service on a Linux host with sensors
// wired to I2C and GPIO, logging every reading.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/edaniels/golog"

	"soniclib-go/bus"
	"soniclib-go/services/config"
	"soniclib-go/services/sonar"
)

func main() {
	device := flag.String("device", "host", "embedded config to publish")
	fwDir := flag.String("fw-dir", "/usr/share/soniclib/firmware", "directory holding <firmware>.bin images")
	flag.Parse()

	log := golog.Global().Named("sonar-host")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.NewBus(16)
	mon := b.NewConnection("monitor")
	readings := mon.Subscribe(bus.T("sonar", "+", "range"))
	states := mon.Subscribe(sonar.TopicState)

	svc := sonar.New(*fwDir, log.Named("sonar"))
	if err := svc.Start(ctx, b.NewConnection("sonar")); err != nil {
		log.Fatalw("sonar service", "error", err)
	}
	cfgCtx := context.WithValue(ctx, config.CtxDeviceKey, *device)
	config.NewConfigService(log.Named("config")).Start(cfgCtx, b.NewConnection("config"))

	for {
		select {
		case <-ctx.Done():
			<-svc.Done()
			return
		case m := <-states.Channel():
			st, _ := m.Payload.(sonar.State)
			log.Infow("state", "state", st.State, "error", st.Error, "devices", st.Devices)
		case m := <-readings.Channel():
			rd, _ := m.Payload.(sonar.Reading)
			if !rd.Target {
				log.Infow("no target", "io", rd.IO)
				continue
			}
			log.Infow("range", "io", rd.IO, "mm", rd.RangeMM, "amplitude", rd.Amplitude)
		}
	}
}

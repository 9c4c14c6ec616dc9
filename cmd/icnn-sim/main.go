package main

//go-build: CGO_ENABLED=0

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"

	fx "github.com/robotalks/icnn/pkg/framework"
	"github.com/robotalks/icnn/pkg/gpio"
	"github.com/robotalks/icnn/pkg/nvm"
	"github.com/robotalks/icnn/pkg/platform"
	"github.com/robotalks/icnn/pkg/telemetry"
	"github.com/robotalks/icnn/pkg/telemetry/mqtt"
	"github.com/robotalks/icnn/pkg/telemetry/serial"
	"github.com/robotalks/icnn/pkg/telemetry/stream"
	"github.com/robotalks/icnn/pkg/telemetry/websocket"
)

var (
	meanWrites int
	maxBoots   int
	oneShot    bool
	wsAddr     string
	streamAddr string
	serialFile string
)

func init() {
	platform.SetupFlags()
	flag.IntVar(&meanWrites, "mean-writes", 200, "Average NVM writes per power cycle, 0 for stable power")
	flag.IntVar(&maxBoots, "max-boots", 0, "Give up after this many boots, 0 for never")
	flag.BoolVar(&oneShot, "one-shot", false, "Hold the reset pin low: reformat and run a fixed number of samples")
	flag.StringVar(&wsAddr, "ws", "", "Serve events to websocket clients on this address")
	flag.StringVar(&streamAddr, "stream", "", "Send events to this TCP address")
	flag.StringVar(&serialFile, "serial", "", "Write serial event packets to this file or tty")
}

func main() {
	flag.Parse()

	conf := platform.NewConfig()
	l, err := conf.Layout()
	if err != nil {
		log.Fatalln(err)
	}
	dev, err := nvm.OpenFile(conf.NVMPath, int64(l.Config.NVMSize), conf.SyncWrites)
	if err != nil {
		log.Fatalln(err)
	}

	runner := fx.NewRunner().HandleSignals()
	notifiers := telemetry.Mux{&telemetry.LogNotifier{W: os.Stdout}}
	publish := func(w telemetry.PacketWriter) {
		notifiers = append(notifiers, telemetry.Only(
			&telemetry.Publisher{W: w, Device: conf.DeviceID},
			telemetry.Boot, telemetry.SampleFinished))
	}

	if conf.MQTTBrokerURL != "" {
		w, err := mqtt.NewWriter(conf.MQTTBrokerURL, mqtt.Meta{Device: conf.DeviceID, Model: conf.NVMPath})
		if err != nil {
			log.Fatalf("create MQTT writer error: %v", err)
		}
		publish(w)
		runner.Go(fx.NamedRun("mqtt", w))
	}
	if wsAddr != "" {
		hub := &websocket.Hub{}
		server := &http.Server{Addr: wsAddr, Handler: hub.Handler()}
		publish(hub)
		runner.Go(fx.NamedRun("websocket", fx.RunnableFunc(func(ctx context.Context) error {
			return fx.RunWithContext(ctx, func() {
				hub.Close()
				server.Close()
			}, server.ListenAndServe)
		})))
	}
	if streamAddr != "" {
		conn, err := net.Dial("tcp", streamAddr)
		if err != nil {
			log.Fatalln(err)
		}
		defer conn.Close()
		publish(stream.New(conn))
	}
	if serialFile != "" {
		f, err := os.OpenFile(serialFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalln(err)
		}
		defer f.Close()
		notifiers = append(notifiers, &serial.Notifier{W: f})
	}

	sim := &platform.Simulator{
		Device: nvm.NewFaultDevice(dev),
		Layout: l,
		Board: platform.Board{
			Features:   conf.Features,
			ResetPin:   gpio.NewSimPin(!oneShot),
			CounterPin: gpio.NewSimPin(false),
			Notifier:   notifiers,
			Runs:       conf.Runs,
			Samples:    conf.Samples,
			W:          os.Stdout,
		},
		MeanWrites:   meanWrites,
		TickInterval: conf.TickInterval,
		MaxBoots:     maxBoots,
	}
	runner.Go(fx.NamedRun("simulator", sim))
	err = runner.Wait()
	log.Printf("%d boots", sim.Boots())
	if err != nil {
		log.Fatalln(err)
	}
}

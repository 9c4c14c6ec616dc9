package main

//go-build: CGO_ENABLED=0

import (
	"flag"
	"log"

	"github.com/robotalks/icnn/pkg/model"
	"github.com/robotalks/icnn/pkg/platform"
)

var (
	modelFile string
)

func init() {
	platform.SetupFlags()
	flag.StringVar(&modelFile, "model", modelFile, "Model description YAML")
}

func main() {
	flag.Parse()
	if modelFile == "" {
		log.Fatalln("-model is required")
	}

	conf := platform.NewConfig()
	desc, err := model.LoadDescription(modelFile)
	if err != nil {
		log.Fatalln(err)
	}
	l, err := conf.Layout()
	if err != nil {
		log.Fatalln(err)
	}
	img, err := desc.Compile(l)
	if err != nil {
		log.Fatalln(err)
	}
	store, err := conf.OpenStore()
	if err != nil {
		log.Fatalln(err)
	}
	if err := img.Write(store); err != nil {
		log.Fatalln(err)
	}
	if err := store.Wait(); err != nil {
		log.Fatalln(err)
	}
	st := store.Stats()
	log.Printf("%s: %d nodes, %d inputs, %d parameter bytes, %d sample bytes, %d bytes written",
		conf.NVMPath, len(img.Graph.Nodes), img.Graph.NInput, len(img.Parameters), len(img.Samples), st.BytesWritten)
}

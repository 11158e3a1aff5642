package main

import (
	"flag"
	"fmt"
	"image"
	"log"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/robfig/cron/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"cogepd/epd"
	"cogepd/internal/config"
)

func findGPIO(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no such gpio %s", name)
	}
	return p, nil
}

func getImageFromFilePath(filePath string) (image.Image, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	image, _, err := image.Decode(f)
	return image, err
}

func main() {
	config_filename := flag.String("config", "cogepd.yaml", "Panel configuration file")
	image_filename := flag.String("image", "", "Image to draw on the panel")
	clear := flag.Bool("clear", false, "Clear the panel instead of drawing an image")
	temperature := flag.Int("temperature", -1000, "Ambient temperature in Celsius (overrides config)")
	refresh := flag.String("refresh", "", "Cron spec to redraw on a schedule (e.g. \"*/15 * * * *\")")
	flag.Parse()

	if *image_filename == "" && !*clear {
		log.Fatal("must supply --image or --clear")
	}

	cfg, err := config.Load(*config_filename)
	if err != nil {
		log.Fatalf("config: %s", err)
	}

	size, err := epd.SizeFromString(cfg.Panel)
	if err != nil {
		log.Fatalf("%s (supported: %v)", err, epd.SupportedSizes())
	}

	if _, err := host.Init(); err != nil {
		log.Fatal(err)
	}

	port, err := spireg.Open(cfg.SPI)
	if err != nil {
		log.Fatalf("spi: %s", err)
	}
	defer port.Close()

	panelOn, err := findGPIO(cfg.Pins.PanelOn)
	if err != nil {
		log.Fatalf("panel_on: %s", err)
	}
	border, err := findGPIO(cfg.Pins.Border)
	if err != nil {
		log.Fatalf("border: %s", err)
	}
	discharge, err := findGPIO(cfg.Pins.Discharge)
	if err != nil {
		log.Fatalf("discharge: %s", err)
	}
	reset, err := findGPIO(cfg.Pins.Reset)
	if err != nil {
		log.Fatalf("reset: %s", err)
	}
	busy, err := findGPIO(cfg.Pins.Busy)
	if err != nil {
		log.Fatalf("busy: %s", err)
	}

	panel, err := epd.New(size, port, panelOn, border, discharge, reset, busy)
	if err != nil {
		log.Fatalf("NewEPD: %s", err)
	}
	defer panel.Close()

	if *temperature != -1000 {
		panel.SetTemperature(*temperature)
	} else {
		panel.SetTemperature(cfg.Temperature)
	}

	var bitmap []byte
	if !*clear {
		img, err := getImageFromFilePath(*image_filename)
		if err != nil {
			log.Fatalf("load image: %s", err)
		}
		bitmap = panel.Convert(img)
	}

	update := func() {
		if err := panel.Begin(); err != nil {
			log.Printf("begin: %s (status %s)", err, panel.Status())
			return
		}
		var err error
		if *clear {
			err = panel.Clear()
		} else {
			err = panel.Image(bitmap)
		}
		if err != nil {
			log.Printf("update: %s", err)
		}
		if err := panel.End(); err != nil {
			log.Printf("end: %s (status %s)", err, panel.Status())
		}
	}

	update()

	if *refresh != "" {
		c := cron.New()
		if _, err := c.AddFunc(*refresh, update); err != nil {
			log.Fatalf("refresh spec: %s", err)
		}
		log.Printf("redrawing on schedule %q", *refresh)
		c.Run()
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	vegeta "github.com/tsenart/vegeta/v12/lib"

	"github.com/nulzo/image-captioner/internal/cli"
)

const (
	mockPort = 9091
	appPort  = 8081
)

// Fake model repository served by the mock registry.
var (
	mockVocab  = "[PAD]\n[UNK]\n[CLS]\n[SEP]\n[MASK]\na\nphoto\nof\ndog\n[DEC]\n"
	mockScript = []int{5, 6, 7, 5, 8, 3} // a photo of a dog [SEP]
	mockFiles  = map[string]string{
		"bench/classifier/resolve/main/config.json":              `{"id2label":{"0":"cat","1":"dog"}}`,
		"bench/classifier/resolve/main/preprocessor_config.json": `{"crop_pct":0.875,"resample":3,"size":{"shortest_edge":224}}`,
		"bench/captioner/resolve/main/config.json":               `{"text_config":{"bos_token_id":9,"sep_token_id":3,"pad_token_id":0}}`,
		"bench/captioner/resolve/main/preprocessor_config.json":  `{"resample":3,"size":{"height":384,"width":384}}`,
		"bench/captioner/resolve/main/vocab.txt":                 mockVocab,
	}
)

func main() {
	duration := flag.Duration("duration", 10*time.Second, "Duration of the test")
	rate := flag.Int("rate", 20, "Requests per second")
	beams := flag.Int("beams", 5, "num_beams sent with every request")
	chaos := flag.Bool("chaos", false, "Simulate random client disconnections")
	flag.Parse()

	// start mock registry + inference backend
	go startMockServer()

	fmt.Println("Building application...")
	buildCmd := exec.Command("go", "build", "-o", "bin/server", "./cmd/server")
	buildCmd.Stdout = os.Stdout
	buildCmd.Stderr = os.Stderr
	if err := buildCmd.Run(); err != nil {
		log.Fatalf("Failed to build app: %v", err)
	}

	configFile := "bench_config.yaml"
	if err := os.WriteFile(configFile, []byte(benchConfig), 0o644); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	defer os.Remove(configFile)

	cacheDir, err := os.MkdirTemp("", "bench-hub-*")
	if err != nil {
		log.Fatalf("Failed to create cache dir: %v", err)
	}
	defer os.RemoveAll(cacheDir)

	fmt.Println("Starting application...")
	cmd := exec.Command("./bin/server")
	cmd.Env = append(os.Environ(),
		"CONFIG_FILE="+configFile,
		fmt.Sprintf("SERVER_PORT=%d", appPort),
		"HUB_CACHE_DIR="+cacheDir,
		"LOG_LEVEL=error",
	)

	logFile, _ := os.Create("bench_server.log")
	defer logFile.Close()
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		log.Fatalf("Failed to start app: %v", err)
	}
	defer func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}()

	waitForApp(fmt.Sprintf("http://localhost:%d/health", appPort))

	body, contentType := captionBody(*beams)
	url := fmt.Sprintf("http://localhost:%d/caption", appPort)
	targeter := func(t *vegeta.Target) error {
		t.Method = http.MethodPost
		t.URL = url
		t.Body = body
		t.Header = http.Header{"Content-Type": []string{contentType}}
		return nil
	}

	done := make(chan struct{})
	if *chaos {
		fmt.Println("CHAOS MODE ENABLED: Starting Chaos Monkey sidecar...")
		go startChaosMonkey(url, body, contentType, min(max(*rate/10, 5), 50), done)
	}

	fmt.Printf("Running caption benchmark: %s duration, %d req/s, %d beams\n", *duration, *rate, *beams)
	attacker := vegeta.NewAttacker(vegeta.KeepAlive(true))
	var metrics vegeta.Metrics
	for res := range attacker.Attack(targeter, vegeta.Rate{Freq: *rate, Per: time.Second}, *duration, "Caption") {
		metrics.Add(res)
	}
	metrics.Close()
	close(done)

	fmt.Println("--------------------------------------------------")
	fmt.Println("99th percentile: ", metrics.Latencies.P99)
	fmt.Println("Mean:            ", metrics.Latencies.Mean)
	fmt.Println("Max:             ", metrics.Latencies.Max)
	fmt.Printf("Success:         %.2f%%\n", metrics.Success*100)
	fmt.Printf("Throughput:      %.2f req/s\n", metrics.Throughput)
	fmt.Printf("Status codes:    %v\n", metrics.StatusCodes)
	fmt.Println("--------------------------------------------------")

	if len(metrics.Errors) > 0 {
		fmt.Println(cli.CrossMark(), "Error Set (first 5 unique):")
		seen := make(map[string]bool)
		for _, msg := range metrics.Errors {
			if !seen[msg] && len(seen) < 5 {
				fmt.Println(msg)
				seen[msg] = true
			}
		}
		return
	}
	fmt.Println(cli.CheckMark(), "no request errors")
}

// captionBody builds a multipart upload of a small gradient PNG.
func captionBody(beams int) ([]byte, string) {
	img := image.NewNRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		log.Fatalf("Failed to encode image: %v", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("image", "bench.png")
	_, _ = fw.Write(pngBuf.Bytes())
	_ = mw.WriteField("num_beams", fmt.Sprint(beams))
	_ = mw.Close()
	return body.Bytes(), mw.FormDataContentType()
}

func startChaosMonkey(url string, body []byte, contentType string, concurrency int, done chan struct{}) {
	fmt.Printf("Starting Chaos Monkey with %d concurrent disrupters (random disconnects 1-200ms)\n", concurrency)
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			client := &http.Client{}
			for {
				select {
				case <-done:
					return
				default:
					timeout := time.Duration(rand.Intn(200)+1) * time.Millisecond
					ctx, cancel := context.WithTimeout(context.Background(), timeout)
					req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
					req.Header.Set("Content-Type", contentType)

					resp, err := client.Do(req)
					if err == nil {
						_ = resp.Body.Close()
					}
					cancel()
					time.Sleep(time.Duration(rand.Intn(50)) * time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()
}

type mockTensor struct {
	Name     string          `json:"name"`
	Shape    []int           `json:"shape"`
	Datatype string          `json:"datatype"`
	Data     json.RawMessage `json:"data"`
}

// startMockServer fakes both the model registry and the inference server.
func startMockServer() {
	mux := http.NewServeMux()

	mux.HandleFunc("/v2/health/ready", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/v2", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"mock-triton","version":"2.41.0"}`))
	})
	mux.HandleFunc("/v2/models/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v2/models/"), "/")
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		switch parts[1] {
		case "ready":
			return
		case "infer":
			var req struct {
				ID     string       `json:"id"`
				Inputs []mockTensor `json:"inputs"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
				return
			}
			// simulated model latency
			time.Sleep(5 * time.Millisecond)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"model_name": parts[0],
				"id":         req.ID,
				"outputs":    []mockTensor{mockOutput(parts[0], req.Inputs)},
			})
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		data, ok := mockFiles[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(data))
	})

	_ = http.ListenAndServe(fmt.Sprintf(":%d", mockPort), mux)
}

func mockOutput(model string, inputs []mockTensor) mockTensor {
	raw := func(v interface{}) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}
	switch model {
	case "bench_classifier":
		return mockTensor{Name: "logits", Shape: []int{1, 2}, Datatype: "FP32", Data: raw([]float32{0.2, 1.7})}
	case "bench_encoder":
		return mockTensor{Name: "image_embeds", Shape: []int{1, 4, 8}, Datatype: "FP32", Data: raw(make([]float32, 32))}
	default:
		ids := inputs[0]
		n, length := ids.Shape[0], ids.Shape[1]
		vocab := strings.Count(mockVocab, "\n")
		logits := make([]float32, n*vocab)
		next := 3
		if length-1 < len(mockScript) {
			next = mockScript[length-1]
		}
		for b := 0; b < n; b++ {
			logits[b*vocab+next] = 8
		}
		return mockTensor{Name: "logits", Shape: []int{n, vocab}, Datatype: "FP32", Data: raw(logits)}
	}
}

func waitForApp(url string) {
	for i := 0; i < 40; i++ {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	log.Fatal("App timed out")
}

var benchConfig = fmt.Sprintf(`
server:
  env: development
hub:
  base_url: "http://localhost:%[1]d"
  token: ""
inference:
  base_url: "http://localhost:%[1]d"
  version_constraint: ">= 2.0.0"
device: cpu
models:
  classifier:
    id: bench/classifier
    backend_model: bench_classifier
  captioner:
    id: bench/captioner
    encoder_model: bench_encoder
    decoder_model: bench_decoder
features:
  enabled: true
`, mockPort)

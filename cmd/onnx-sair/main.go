// onnx-sair inspects ONNX models and imports them into SAIR programs.
//
// Point it at a local file or a HuggingFace repo:
//
//	onnx-sair -model model.onnx -program
//	onnx-sair -hf sentence-transformers/all-MiniLM-L6-v2 -file onnx/model.onnx
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/sairml/onnx-sair/onnx"
)

var (
	flagModel   = flag.String("model", "", "path to an ONNX model file")
	flagHF      = flag.String("hf", "", "HuggingFace repository to download the model from")
	flagFile    = flag.String("file", "model.onnx", "file to download from the HuggingFace repository")
	flagProgram = flag.Bool("program", false, "import the model and print the SAIR program")
	flagOpset   = flag.Int("opset", 0, "import with this opset instead of the model's declared one")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "onnx-sair: %+v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := *flagModel
	if path == "" && *flagHF != "" {
		repo := hub.New(*flagHF).WithAuth(os.Getenv("HF_TOKEN"))
		var err error
		path, err = repo.DownloadFile(*flagFile)
		if err != nil {
			return errors.WithMessagef(err, "downloading %q from %q", *flagFile, *flagHF)
		}
	}
	if path == "" {
		return errors.New("either -model or -hf is required")
	}

	model, err := onnx.ReadFile(path)
	if err != nil {
		return err
	}
	fmt.Print(model.String())

	if !*flagProgram {
		return nil
	}
	var opts []onnx.ImportOption
	if *flagOpset > 0 {
		opts = append(opts, onnx.WithOpset(*flagOpset))
	}
	prog, params, err := model.Import(opts...)
	if err != nil {
		return err
	}
	fmt.Printf("\nImported %d constant parameters.\n\n", len(params))
	fmt.Println(prog.String())
	return nil
}

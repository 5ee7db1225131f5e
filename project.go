// Copyright (C) The CRISPRi Screen Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screen

import (
	"bufio"
	"encoding/binary"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strconv"
	"strings"

	"github.com/james-bowman/nlp"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/mat"
)

// projectcmd writes two independent 2D ordinations of the fitness
// matrix, for eyeballing cluster structure: PCA and a random
// projection. The projection seed is derived from the matrix content
// and logged, so reruns on identical input are identical.
type projectcmd struct {
	components int
	timepoint  float64
	clipLimit  float64
	outputDir  string
}

func (cmd *projectcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input `file`")
	flags.StringVar(&cmd.outputDir, "output-dir", ".", "output `directory`")
	flags.IntVar(&cmd.components, "components", 2, "number of components")
	flags.Float64Var(&cmd.timepoint, "timepoint", 0, "reference `timepoint` for the fitness matrix")
	flags.Float64Var(&cmd.clipLimit, "clip", 4, "clip fitness values to ±`limit`")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	var input io.ReadCloser
	if *inputFilename == "-" {
		input = io.NopCloser(stdin)
	} else {
		input, err = os.Open(*inputFilename)
		if err != nil {
			return 1
		}
		defer input.Close()
	}
	log.Info("reading")
	snap, err := ReadSnapshot(input, strings.HasSuffix(*inputFilename, ".gz"))
	if err != nil {
		return 1
	}
	err = input.Close()
	if err != nil {
		return 1
	}
	if len(snap.Genes) == 0 {
		err = fmt.Errorf("input has no gene fitness table (run the aggregate command first)")
		return 1
	}

	m := buildFitnessMatrix(snap.Genes, cmd.timepoint)
	m.clip(cmd.clipLimit)
	log.Infof("fitness matrix: %d loci × %d conditions", len(m.loci), len(m.conditions))

	// nlp transformers treat columns as observations, so work on
	// the transpose and flip back afterwards.
	data := make([]float64, 0, len(m.loci)*len(m.conditions))
	for _, row := range m.cells {
		data = append(data, row...)
	}
	mtx := mat.NewDense(len(m.loci), len(m.conditions), data).T()

	rand.Seed(int64(matrixSeed(data)))

	log.Info("fitting PCA")
	pca := nlp.NewPCA(cmd.components)
	pca.Fit(mtx)
	pcaOut, err := pca.Transform(mtx)
	if err != nil {
		return 1
	}
	err = cmd.writeNumpy("pca.npy", mat.DenseCopyOf(pcaOut.T()))
	if err != nil {
		return 1
	}

	log.Info("fitting random projection")
	rp := nlp.NewRandomProjection(cmd.components, 1)
	rp.Fit(mtx)
	rpOut, err := rp.Transform(mtx)
	if err != nil {
		return 1
	}
	err = cmd.writeNumpy("rp.npy", mat.DenseCopyOf(rpOut.T()))
	if err != nil {
		return 1
	}

	err = cmd.writeRows(m, snap.Clusters)
	if err != nil {
		return 1
	}
	log.Info("done")
	return 0
}

// matrixSeed derives a reproducible seed from the matrix content.
func matrixSeed(data []float64) uint64 {
	buf := make([]byte, len(data)*8)
	for i, v := range data {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(int64(v*1e9)))
	}
	sum := blake2b.Sum256(buf)
	seed := binary.LittleEndian.Uint64(sum[:8])
	log.Infof("random projection seed %d", seed)
	return seed
}

func (cmd *projectcmd) writeNumpy(name string, out *mat.Dense) error {
	rows, cols := out.Dims()
	data := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data[i*cols+j] = out.At(i, j)
		}
	}
	f, err := os.OpenFile(cmd.outputDir+"/"+name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	log.Infof("writing %s: %d rows, %d cols", name, rows, cols)
	err = npw.WriteFloat64(data)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}

// writeRows emits one row per matrix row so downstream plots can
// label the projected points, with cluster ids where available.
func (cmd *projectcmd) writeRows(m *fitnessMatrix, clusters []ClusterAssignment) error {
	cluster := map[string]int{}
	for _, c := range clusters {
		if !c.Changed {
			cluster[c.Locus] = c.Cluster
		}
	}
	f, err := os.OpenFile(cmd.outputDir+"/rows.csv", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	csvw := csv.NewWriter(f)
	err = csvw.Write([]string{"locus", "cluster"})
	if err != nil {
		return err
	}
	for _, locus := range m.loci {
		err = csvw.Write([]string{locus, strconv.Itoa(cluster[locus])})
		if err != nil {
			return err
		}
	}
	csvw.Flush()
	if err := csvw.Error(); err != nil {
		return err
	}
	return f.Close()
}

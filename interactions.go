// Copyright (C) The CRISPRi Screen Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screen

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Synechocystis sp. PCC 6803
const defaultSpecies = 1148

type interactionEdge struct {
	LocusA string
	LocusB string
	Score  float64
}

// interactionSource retrieves known protein-protein interactions
// among a set of loci. The deterministic core never touches it; it
// exists for post-clustering enrichment only.
type interactionSource interface {
	Interactions(ctx context.Context, loci []string) ([]interactionEdge, error)
}

// stringdbSource queries a STRING-style REST endpoint
// (GET {base}/api/tsv-no-header/network?identifiers=...&species=N).
type stringdbSource struct {
	BaseURL string
	Species int
	Client  *http.Client
}

func (s *stringdbSource) Interactions(ctx context.Context, loci []string) ([]interactionEdge, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	q := url.Values{}
	q.Set("identifiers", strings.Join(loci, "\r"))
	q.Set("species", strconv.Itoa(s.Species))
	req, err := http.NewRequestWithContext(ctx, "GET", s.BaseURL+"/api/tsv-no-header/network?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("interaction service: %s: %q", resp.Status, body)
	}
	var ret []interactionEdge
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		// stringId_A stringId_B preferredName_A preferredName_B ncbiTaxonId score
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 6 {
			continue
		}
		score, err := strconv.ParseFloat(fields[5], 64)
		if err != nil {
			continue
		}
		ret = append(ret, interactionEdge{LocusA: fields[2], LocusB: fields[3], Score: score})
	}
	return ret, scanner.Err()
}

// interactionscmd fetches interaction edges for each cluster of the
// changed-genes pass and writes one TSV row per within-cluster edge.
type interactionscmd struct {
	src interactionSource
}

func (cmd *interactionscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	baseURL := flags.String("base-url", "https://string-db.org", "interaction service base `URL`")
	species := flags.Int("species", defaultSpecies, "NCBI taxon `id` passed to the interaction service")
	timeout := flags.Duration("timeout", time.Minute, "per-request `timeout`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
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
	snap, err := ReadSnapshot(input, strings.HasSuffix(*inputFilename, ".gz"))
	if err != nil {
		return 1
	}
	err = input.Close()
	if err != nil {
		return 1
	}

	clusters := map[int][]string{}
	for _, c := range snap.Clusters {
		if c.Changed {
			clusters[c.Cluster] = append(clusters[c.Cluster], c.Locus)
		}
	}
	if len(clusters) == 0 {
		err = fmt.Errorf("input has no changed-subset cluster assignments (run the cluster command first)")
		return 1
	}

	if cmd.src == nil {
		cmd.src = &stringdbSource{BaseURL: *baseURL, Species: *species}
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	fmt.Fprintln(bufw, "cluster\tlocusA\tlocusB\tscore")

	ids := make([]int, 0, len(clusters))
	for id := range clusters {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		loci := clusters[id]
		sort.Strings(loci)
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		edges, err2 := cmd.src.Interactions(ctx, loci)
		cancel()
		if err2 != nil {
			err = fmt.Errorf("cluster %d: %w", id, err2)
			return 1
		}
		log.Infof("cluster %d: %d loci, %d edges", id, len(loci), len(edges))
		member := map[string]bool{}
		for _, locus := range loci {
			member[locus] = true
		}
		for _, e := range edges {
			if !member[e.LocusA] || !member[e.LocusB] {
				continue
			}
			fmt.Fprintf(bufw, "%d\t%s\t%s\t%v\n", id, e.LocusA, e.LocusB, e.Score)
		}
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

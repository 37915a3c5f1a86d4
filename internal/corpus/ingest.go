package corpus

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
)

// Document is one line of a prepared JSONL dataset.
type Document struct {
	Context  string `json:"Context"`
	Response string `json:"Response"`
}

// PassageText renders the document the way it is embedded and stored.
func (d Document) PassageText() string {
	return fmt.Sprintf("Context: %s\nResponse: %s", d.Context, d.Response)
}

// ConvertCSV turns an empathetic-dialogues CSV export into the prepared
// JSONL format. Expected columns: Situation, emotion, empathetic_dialogues,
// labels (extra columns are ignored). Returns the number of documents
// written.
func ConvertCSV(csvPath, jsonlPath string) (int, error) {
	in, err := os.Open(csvPath)
	if err != nil {
		return 0, fmt.Errorf("open csv: %w", err)
	}
	defer in.Close()

	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("read csv header: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"Situation", "emotion", "empathetic_dialogues"} {
		if _, ok := col[required]; !ok {
			return 0, fmt.Errorf("csv missing column %q", required)
		}
	}

	out, err := os.Create(jsonlPath)
	if err != nil {
		return 0, fmt.Errorf("create jsonl: %w", err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	count := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("read csv row: %w", err)
		}

		field := func(name string) string {
			idx, ok := col[name]
			if !ok || idx >= len(record) {
				return ""
			}
			return record[idx]
		}

		doc := Document{
			Context: strings.TrimSpace(fmt.Sprintf(
				"Situation: %s\nEmotion: %s\nDialogue: %s",
				field("Situation"), field("emotion"), field("empathetic_dialogues"),
			)),
			Response: strings.TrimSpace(field("labels")),
		}
		if err := enc.Encode(doc); err != nil {
			return count, fmt.Errorf("write jsonl: %w", err)
		}
		count++
	}

	if err := w.Flush(); err != nil {
		return count, fmt.Errorf("flush jsonl: %w", err)
	}
	return count, nil
}

// Ingestor embeds prepared JSONL documents into a corpus in batches, keeping
// a progress file so an interrupted run resumes where it stopped.
type Ingestor struct {
	store        *Store
	embedder     Embedder
	batchSize    int
	progressPath string
}

func NewIngestor(store *Store, embedder Embedder, batchSize int, progressPath string) *Ingestor {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Ingestor{
		store:        store,
		embedder:     embedder,
		batchSize:    batchSize,
		progressPath: progressPath,
	}
}

func (ing *Ingestor) lastIndex() int {
	data, err := os.ReadFile(ing.progressPath)
	if err != nil {
		return 0
	}
	idx, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || idx < 0 {
		return 0
	}
	return idx
}

func (ing *Ingestor) saveProgress(idx int) error {
	return os.WriteFile(ing.progressPath, []byte(strconv.Itoa(idx)), 0644)
}

// Run embeds every document of the JSONL file into the given corpus,
// starting after the last recorded progress index. Returns the number of
// documents embedded by this run.
func (ing *Ingestor) Run(ctx context.Context, corpus, jsonlPath string) (int, error) {
	in, err := os.Open(jsonlPath)
	if err != nil {
		return 0, fmt.Errorf("open jsonl: %w", err)
	}
	defer in.Close()

	var docs []Document
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var doc Document
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			return 0, fmt.Errorf("parse jsonl line: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read jsonl: %w", err)
	}

	start := ing.lastIndex()
	if start >= len(docs) {
		log.Printf("[ingest] %s: nothing to do (%d docs, progress %d)", corpus, len(docs), start)
		return 0, nil
	}
	if start > 0 {
		log.Printf("[ingest] %s: resuming from index %d", corpus, start)
	}

	done := 0
	for i := start; i < len(docs); i += ing.batchSize {
		end := i + ing.batchSize
		if end > len(docs) {
			end = len(docs)
		}

		texts := make([]string, 0, end-i)
		for _, doc := range docs[i:end] {
			texts = append(texts, doc.PassageText())
		}

		vectors, err := ing.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return done, fmt.Errorf("embed batch at %d: %w", i, err)
		}
		for j, vec := range vectors {
			if err := ing.store.Insert(corpus, texts[j], vec); err != nil {
				return done, fmt.Errorf("store passage at %d: %w", i+j, err)
			}
		}

		done += end - i
		if err := ing.saveProgress(end); err != nil {
			return done, fmt.Errorf("save progress: %w", err)
		}
		log.Printf("[ingest] %s: embedded %d/%d", corpus, end, len(docs))
	}

	return done, nil
}

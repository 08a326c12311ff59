package spec

type debugSection struct {
	PrintResult    bool `yaml:"print_result"`
	ResultMaxBytes int  `yaml:"result_max_bytes"`
}

// ProgramSpec declares one worker program: an ordered stage chain plus
// its pool limit and reuse policy.
type ProgramSpec struct {
	Key    string   `yaml:"key"`
	Stages []string `yaml:"stages"` // "identity", "chacha20", "blake2b", "zstd", "unzstd"
	Limit  int      `yaml:"limit"`  // concurrent workers; -1 = unlimited
	Policy string   `yaml:"policy"` // "pooled", "single-use", "dedicated"

	TimeoutMS int `yaml:"timeout_ms"`
	GraceMS   int `yaml:"grace_ms"`

	// hex-encoded; chacha20 only
	CipherKey   string `yaml:"cipher_key"`
	CipherNonce string `yaml:"cipher_nonce"`
}

type File struct {
	SchemaVersion string `yaml:"schema_version"`

	Source struct {
		Kind   string `yaml:"kind"`   // "bytes", "kafka"
		Config string `yaml:"config"` // driver config path (kafka)
	} `yaml:"source"`

	// Ingest names the program that receives payloads from the source.
	Ingest string `yaml:"ingest"`

	Programs []ProgramSpec `yaml:"programs"`

	ChunkSize int          `yaml:"chunk_size"` // 0 = engine default
	Debug     debugSection `yaml:"debug"`
}

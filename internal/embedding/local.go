/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package embedding

import (
	"context"
	"crypto/sha512"
	"encoding/binary"
	"math"
)

// localDimensions is the vector width of the hash provider.
const localDimensions = 256

// LocalProvider derives deterministic pseudo-embeddings from a hash of the
// text. Vectors are unit length so cosine similarity behaves, but they carry
// no semantics: identical text matches exactly, everything else is noise.
// Meant for development and tests, not production retrieval.
type LocalProvider struct {
	model string
}

// NewLocalProvider creates the hash provider. model only affects Name.
func NewLocalProvider(model string) *LocalProvider {
	return &LocalProvider{model: model}
}

// Name implements Provider.
func (p *LocalProvider) Name() string {
	return "local:" + p.model
}

// Dimensions implements Provider.
func (p *LocalProvider) Dimensions() int {
	return localDimensions
}

// Embed implements Provider.
func (p *LocalProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = hashVector(text)
	}
	return out, nil
}

// hashVector expands SHA-512 over (text, counter) into localDimensions floats
// in [-1, 1], then L2-normalizes.
func hashVector(text string) []float32 {
	vec := make([]float32, localDimensions)
	var norm float64

	var counter [8]byte
	filled := 0
	for block := uint64(0); filled < localDimensions; block++ {
		binary.BigEndian.PutUint64(counter[:], block)
		h := sha512.New()
		h.Write([]byte(text))
		h.Write(counter[:])
		sum := h.Sum(nil)

		for off := 0; off+2 <= len(sum) && filled < localDimensions; off += 2 {
			raw := binary.BigEndian.Uint16(sum[off : off+2])
			v := float64(raw)/math.MaxUint16*2 - 1
			vec[filled] = float32(v)
			norm += v * v
			filled++
		}
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

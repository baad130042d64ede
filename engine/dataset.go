/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package engine

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Batch is one unit of data for a step: a slice of input tensors and a slice
// of label tensors.
type Batch struct {
	Inputs, Labels []*tensors.Tensor
}

// NewBatch converts inputs and labels to tensors (see tensors.FromAnyValue
// for accepted values -- Go slices, scalars or tensors) and pairs them into a
// Batch.
func NewBatch(inputs, labels []any) Batch {
	b := Batch{
		Inputs: make([]*tensors.Tensor, len(inputs)),
		Labels: make([]*tensors.Tensor, len(labels)),
	}
	for i, v := range inputs {
		b.Inputs[i] = tensors.FromAnyValue(v)
	}
	for i, v := range labels {
		b.Labels[i] = tensors.FromAnyValue(v)
	}
	return b
}

// BatchesDataset is an in-memory train.Dataset over a fixed list of batches,
// yielded in order. It keeps ownership of its tensors, so the same dataset
// can be run multiple times.
//
// For larger datasets with batching, shuffling and infinite looping, use
// GoMLX's datasets.InMemoryFromData instead.
type BatchesDataset struct {
	name    string
	batches []Batch
	next    int
}

// FromBatches creates a dataset that yields the given batches in order and
// then io.EOF.
func FromBatches(name string, batches ...Batch) *BatchesDataset {
	return &BatchesDataset{name: name, batches: batches}
}

// Name implements train.Dataset.
func (ds *BatchesDataset) Name() string { return ds.name }

// Yield implements train.Dataset. The spec is always nil.
func (ds *BatchesDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= len(ds.batches) {
		return nil, nil, nil, io.EOF
	}
	b := ds.batches[ds.next]
	ds.next++
	return nil, b.Inputs, b.Labels, nil
}

// Reset implements train.Dataset, restarting the dataset from the beginning.
func (ds *BatchesDataset) Reset() {
	ds.next = 0
}

// IsOwnershipTransferred implements train.DatasetCustomOwnership: the dataset
// keeps ownership of its tensors, the engine must not finalize them.
func (ds *BatchesDataset) IsOwnershipTransferred() bool { return false }

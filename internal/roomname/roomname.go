// Package roomname makes short, memorable room names for calls started
// without one.
package roomname

import (
	"math/rand/v2"
	"strings"
)

var adjectives = []string{
	"amber", "brisk", "calm", "dapper", "eager", "fuzzy", "gentle", "hazy", "icy", "jolly",
	"keen", "lucky", "mellow", "nimble", "odd", "plucky", "quiet", "rosy", "sunny", "tidy",
	"upbeat", "vivid", "witty", "young", "zesty", "bold", "cozy", "sly", "brave", "merry",
}

var animals = []string{
	"otter", "heron", "badger", "lynx", "gecko", "walrus", "falcon", "marmot", "tapir", "ibis",
	"koala", "moose", "newt", "puffin", "quokka", "raven", "seal", "toucan", "vole", "yak",
	"bison", "crane", "dingo", "ferret", "gibbon", "hare", "jackal", "lemur", "mink", "okapi",
}

var places = []string{
	"harbor", "meadow", "canyon", "summit", "lagoon", "grove", "delta", "tundra", "orchard", "reef",
	"prairie", "glacier", "fjord", "marsh", "atoll", "bayou", "dune", "ridge", "cove", "valley",
	"island", "forest", "plateau", "basin", "cavern", "spring", "bluff", "mesa", "steppe", "pier",
}

// Generate returns a name such as "plucky-otter-harbor".
func Generate() string {
	return generate(rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
}

func generate(r *rand.Rand) string {
	words := []string{
		adjectives[r.IntN(len(adjectives))],
		animals[r.IntN(len(animals))],
		places[r.IntN(len(places))],
	}
	return strings.Join(words, "-")
}

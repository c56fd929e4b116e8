package station

import (
	"fmt"
	"strconv"
	"strings"
)

// OperatorArgCount is the number of positional arguments the launcher
// passes in operator mode.
const OperatorArgCount = 11

// Args are the launch arguments of the bench.
type Args struct {
	Name        string
	Version     string
	GitHash     string
	Author      string
	ShowAllLogs bool

	Operator      string
	Commande      string
	OF            string
	Article       string
	Indice        string
	ProductListID int64

	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string
}

// DefaultArgs are used when the bench is started without operator
// arguments.
func DefaultArgs() Args {
	return Args{
		Name:          "capsys-easy-flow",
		Version:       "V1.0.0",
		GitHash:       DebugHash,
		Author:        "Thomas GERARDIN",
		Operator:      "Thomas GERARDIN",
		ProductListID: 1,
		DBUser:        "root",
		DBPassword:    "root",
		DBHost:        "127.0.0.1",
		DBPort:        "5432",
		DBName:        "capsys_db_bdt",
	}
}

// ApplyPositional fills the operator supplied fields from exactly
// OperatorArgCount positional arguments. It reports false, leaving a
// unchanged, for any other count.
func (a *Args) ApplyPositional(pos []string) (bool, error) {
	if len(pos) != OperatorArgCount {
		return false, nil
	}
	id, err := strconv.ParseInt(strings.TrimSpace(pos[5]), 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid product id %q: %w", pos[5], err)
	}
	a.Operator = pos[0]
	a.Commande = pos[1]
	a.OF = pos[2]
	a.Article = pos[3]
	a.Indice = pos[4]
	a.ProductListID = id
	a.DBUser = pos[6]
	a.DBPassword = pos[7]
	a.DBHost = pos[8]
	a.DBPort = pos[9]
	a.DBName = pos[10]
	return true, nil
}

// OperatorNames splits the operator field into first and last name.
func (a Args) OperatorNames() (first, last string, ok bool) {
	parts := strings.Fields(a.Operator)
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

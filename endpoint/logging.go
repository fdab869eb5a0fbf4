package endpoint

import "github.com/hyperledger/fabric-lib-go/common/flogging"

var logger = flogging.MustGetLogger("endpoint")

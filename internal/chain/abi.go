package chain

// ERC20ABI 只包含领取流程用到的方法和 Transfer 事件
const ERC20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"Transfer","anonymous":false,
   "inputs":[{"name":"from","type":"address","indexed":true},
             {"name":"to","type":"address","indexed":true},
             {"name":"value","type":"uint256","indexed":false}]}
]`

// AirdropABI 空投合约
const AirdropABI = `[
  {"type":"function","name":"airdropERC20","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenAddress","type":"address"},
             {"name":"contents","type":"tuple[]","components":[
               {"name":"recipient","type":"address"},
               {"name":"amount","type":"uint256"}]}],
   "outputs":[]}
]`
